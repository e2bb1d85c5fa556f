package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Contract is a deployed smart contract.
type Contract struct {
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Code     string `json:"code"` // base64 encoded module
	CodeHash string `json:"codeHash"`
}

// Deployment is the payload of a deploy transaction.
type Deployment struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// ParseDeployment decodes and checks a deploy transaction's payload.
func ParseDeployment(payload string) (*Deployment, []byte, error) {
	var d Deployment
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, nil, fmt.Errorf("invalid deployment payload: %w", err)
	}
	if d.Name == "" || d.Code == "" {
		return nil, nil, fmt.Errorf("invalid deployment payload: name and code are required")
	}
	code, err := base64.StdEncoding.DecodeString(d.Code)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid deployment payload: code is not base64: %w", err)
	}
	return &d, code, nil
}

// NewContract builds the record stored for a deployment.
func NewContract(d *Deployment, owner string) *Contract {
	return &Contract{
		Name:     d.Name,
		Owner:    owner,
		Code:     d.Code,
		CodeHash: Hash(d.Code),
	}
}

// Module returns the decoded contract code.
func (c *Contract) Module() ([]byte, error) {
	code, err := base64.StdEncoding.DecodeString(c.Code)
	if err != nil {
		return nil, fmt.Errorf("contract %s has corrupt code: %w", c.Name, err)
	}
	return code, nil
}
