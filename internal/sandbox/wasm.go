package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// WASM executes contracts compiled to WebAssembly. A contract's state is its
// exported linear memory, which persists between calls in the order the
// producer issues them. A call that traps or overruns its budget leaves the
// memory as it was before the call.
//
// Actions name exported functions. The transaction payload may carry integer
// arguments as {"args": [1, 2]}; the function's result is recorded as an
// event.
type WASM struct {
	store  ContractStore
	engine *wasmer.Engine

	mu  sync.Mutex
	vms map[string]*contractVM
}

type contractVM struct {
	codeHash string
	sem      chan struct{} // held by the call using the instance
	instance *wasmer.Instance
	memory   *wasmer.Memory
}

// NewWASM creates a sandbox backed by store.
func NewWASM(store ContractStore) *WASM {
	return &WASM{
		store:  store,
		engine: wasmer.NewEngine(),
		vms:    make(map[string]*contractVM),
	}
}

// Deploy validates and stores a contract. The payload is a chain.Deployment.
func (w *WASM) Deploy(ctx context.Context, tx *chain.Transaction) (chain.ExecutionLog, error) {
	d, code, err := chain.ParseDeployment(tx.Payload)
	if err != nil {
		return chain.ErrorLog(err.Error()), nil
	}

	existing, err := w.store.GetContract(ctx, d.Name)
	if err != nil {
		return chain.ExecutionLog{}, fmt.Errorf("failed to look up contract %s: %w", d.Name, err)
	}
	if existing != nil {
		return chain.ErrorLog(fmt.Sprintf("contract %s already exists", d.Name)), nil
	}

	if _, err := wasmer.NewModule(wasmer.NewStore(w.engine), code); err != nil {
		return chain.ErrorLog(fmt.Sprintf("invalid contract code: %v", err)), nil
	}
	if err := ctx.Err(); err != nil {
		return chain.ExecutionLog{}, err
	}

	if err := w.store.AddContract(ctx, chain.NewContract(d, tx.Sender)); err != nil {
		return chain.ExecutionLog{}, fmt.Errorf("failed to store contract %s: %w", d.Name, err)
	}

	data, _ := json.Marshal(map[string]string{"name": d.Name, "owner": tx.Sender})
	return chain.ExecutionLog{Events: []chain.Event{{Contract: chain.DeployContract, Event: "contractDeployed", Data: data}}}, nil
}

type callArgs struct {
	Args []int32 `json:"args"`
}

// Execute calls the exported function named by the transaction's action.
func (w *WASM) Execute(ctx context.Context, tx *chain.Transaction) (chain.ExecutionLog, error) {
	c, err := w.store.GetContract(ctx, tx.Contract)
	if err != nil {
		return chain.ExecutionLog{}, fmt.Errorf("failed to look up contract %s: %w", tx.Contract, err)
	}
	if c == nil {
		return chain.ErrorLog(fmt.Sprintf("contract %s doesn't exist", tx.Contract)), nil
	}

	var args callArgs
	if tx.Payload != "" {
		if err := json.Unmarshal([]byte(tx.Payload), &args); err != nil {
			return chain.ErrorLog(fmt.Sprintf("invalid payload: %v", err)), nil
		}
	}

	vm, err := w.vm(c)
	if err != nil {
		return chain.ErrorLog(err.Error()), nil
	}

	select {
	case vm.sem <- struct{}{}:
	case <-ctx.Done():
		return chain.ExecutionLog{}, ctx.Err()
	}
	defer func() { <-vm.sem }()

	fn, err := vm.instance.Exports.GetFunction(tx.Action)
	if err != nil {
		return chain.ErrorLog(fmt.Sprintf("action %s not found in contract %s", tx.Action, tx.Contract)), nil
	}

	snapshot := vm.snapshot()
	params := make([]interface{}, len(args.Args))
	for i, a := range args.Args {
		params[i] = a
	}

	res, callErr := fn(params...)
	if err := ctx.Err(); err != nil {
		vm.restore(snapshot)
		return chain.ExecutionLog{}, err
	}
	if callErr != nil {
		vm.restore(snapshot)
		return chain.ErrorLog(fmt.Sprintf("%s.%s failed: %v", tx.Contract, tx.Action, callErr)), nil
	}

	l := chain.ExecutionLog{}
	if res != nil {
		data, err := json.Marshal(res)
		if err != nil {
			return chain.ErrorLog(fmt.Sprintf("unencodable result: %v", err)), nil
		}
		l.Events = append(l.Events, chain.Event{Contract: tx.Contract, Event: tx.Action, Data: data})
	}
	return l, nil
}

// vm returns the cached instance of c, instantiating it on first use or when
// the code changed.
func (w *WASM) vm(c *chain.Contract) (*contractVM, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if vm, ok := w.vms[c.Name]; ok && vm.codeHash == c.CodeHash {
		return vm, nil
	}

	code, err := c.Module()
	if err != nil {
		return nil, err
	}
	module, err := wasmer.NewModule(wasmer.NewStore(w.engine), code)
	if err != nil {
		return nil, fmt.Errorf("contract %s failed to compile: %v", c.Name, err)
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("contract %s failed to instantiate: %v", c.Name, err)
	}

	vm := &contractVM{
		codeHash: c.CodeHash,
		sem:      make(chan struct{}, 1),
		instance: instance,
	}
	if mem, err := instance.Exports.GetMemory("memory"); err == nil {
		vm.memory = mem
	}
	w.vms[c.Name] = vm
	return vm, nil
}

func (vm *contractVM) snapshot() []byte {
	if vm.memory == nil {
		return nil
	}
	data := vm.memory.Data()
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp
}

func (vm *contractVM) restore(snapshot []byte) {
	if vm.memory == nil || snapshot == nil {
		return
	}
	data := vm.memory.Data()
	n := copy(data, snapshot)
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}
