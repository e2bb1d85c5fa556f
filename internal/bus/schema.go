package bus

import "fmt"

// InboxKey returns the list carrying messages to a plugin.
// Pattern: sidenode:{instance}:inbox:{plugin}
func InboxKey(instanceName, plugin string) string {
	return fmt.Sprintf("sidenode:%s:inbox:%s", instanceName, plugin)
}

// OutboxKey returns the list carrying messages from a plugin.
// Pattern: sidenode:{instance}:outbox:{plugin}
func OutboxKey(instanceName, plugin string) string {
	return fmt.Sprintf("sidenode:%s:outbox:%s", instanceName, plugin)
}

// BlockEventsChannel returns the Pub/Sub channel for committed blocks.
func BlockEventsChannel(instanceName string) string {
	return fmt.Sprintf("sidenode:%s:block_events", instanceName)
}

// HeadKey returns the key holding the committed chain head.
// Pattern: sidenode:{instance}:chain:head
func HeadKey(instanceName string) string {
	return fmt.Sprintf("sidenode:%s:chain:head", instanceName)
}

// BlockKey returns the key holding a committed block.
// Pattern: sidenode:{instance}:chain:block:{number}
func BlockKey(instanceName string, blockNumber uint64) string {
	return fmt.Sprintf("sidenode:%s:chain:block:%d", instanceName, blockNumber)
}

// ContractKey returns the key holding a deployed contract.
// Pattern: sidenode:{instance}:chain:contract:{name}
func ContractKey(instanceName, name string) string {
	return fmt.Sprintf("sidenode:%s:chain:contract:%s", instanceName, name)
}
