package chainconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	raw := `[{"name":"avalanche","rpcUrl":"http://localhost:9650/ext/bc/C/rpc","evmChainId":43114}]`
	chains, err := Load(strings.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, chains, 1)
	require.Equal(t, 50, chains[0].RequestBatchSize)
	require.Equal(t, 4, chains[0].MaxConcurrency)
	require.Equal(t, 50, chains[0].BlocksPerFetch)
}

func TestLoadRejectsMissingRPCURL(t *testing.T) {
	raw := `[{"name":"avalanche"}]`
	_, err := Load(strings.NewReader(raw))
	require.Error(t, err)
}

func TestFindLocatesByName(t *testing.T) {
	chains := []Chain{{Name: "a"}, {Name: "b"}}
	c, ok := Find(chains, "b")
	require.True(t, ok)
	require.Equal(t, "b", c.Name)

	_, ok = Find(chains, "missing")
	require.False(t, ok)
}
