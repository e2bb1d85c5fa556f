package filter

import (
	"testing"

	"github.com/dyluth/sidenode/internal/timespec"
	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriteria_Matches(t *testing.T) {
	block := &chain.Block{
		BlockNumber: 7,
		Timestamp:   "2018-06-01T12:00:00",
		Transactions: []*chain.Transaction{
			chain.NewTransaction(100, "t1", "alice", "tokens", "transfer", "{}"),
			chain.NewTransaction(100, "t2", "bob", "market", "buy", "{}"),
		},
	}
	at := func(ts string) int64 {
		ms, err := timespec.ParseBlockTimestamp(ts)
		require.NoError(t, err)
		return ms
	}

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{name: "no filters", want: true},
		{name: "inside time range", criteria: Criteria{SinceTimestampMs: at("2018-06-01T00:00:00"), UntilTimestampMs: at("2018-06-02T00:00:00")}, want: true},
		{name: "before since", criteria: Criteria{SinceTimestampMs: at("2018-06-01T12:00:01")}},
		{name: "after until", criteria: Criteria{UntilTimestampMs: at("2018-06-01T11:59:59")}},
		{name: "contract glob", criteria: Criteria{ContractGlob: "tok*"}, want: true},
		{name: "contract miss", criteria: Criteria{ContractGlob: "nft*"}},
		{name: "sender", criteria: Criteria{Sender: "bob"}, want: true},
		{name: "contract and sender on different txs", criteria: Criteria{ContractGlob: "tokens", Sender: "bob"}},
		{name: "contract and sender on one tx", criteria: Criteria{ContractGlob: "market", Sender: "bob"}, want: true},
		{name: "bad glob", criteria: Criteria{ContractGlob: "["}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(block))
		})
	}
}

func TestCriteria_UnparseableTimestamp(t *testing.T) {
	c := Criteria{SinceTimestampMs: 1}
	assert.False(t, c.Matches(&chain.Block{Timestamp: "yesterday"}))
	assert.True(t, (&Criteria{}).Matches(&chain.Block{Timestamp: "yesterday"}))
}

func TestCriteria_HasFilters(t *testing.T) {
	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{Sender: "alice"}).HasFilters())
	assert.True(t, (&Criteria{UntilTimestampMs: 5}).HasFilters())
}
