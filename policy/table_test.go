package policy

import (
	"testing"

	"github.com/maxpert/shedder/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stat(typeName, key string) cluster.ActivationStat {
	return cluster.ActivationStat{
		Key:  cluster.ActivationKey{Type: typeName, Key: key},
		Node: "node-a",
	}
}

func TestBuild_DeclaredFirstKeepsScannedPriority(t *testing.T) {
	table := Build(BuildOptions{
		Declared:   []Declaration{{Type: "TypeA", Sheddable: true}},
		Overrides:  map[string]Priority{"TypeA": PriorityHigh},
		Precedence: DeclaredFirst,
	})

	p, ok := table.Priority("TypeA")
	require.True(t, ok)
	assert.Equal(t, PriorityNormal, p)
}

func TestBuild_ConfigFirstKeepsOverride(t *testing.T) {
	table := Build(BuildOptions{
		Declared:   []Declaration{{Type: "TypeA", Sheddable: true}},
		Overrides:  map[string]Priority{"TypeA": PriorityHigh},
		Precedence: ConfigFirst,
	})

	p, ok := table.Priority("TypeA")
	require.True(t, ok)
	assert.Equal(t, PriorityHigh, p)
}

func TestBuild_MergesDisjointSources(t *testing.T) {
	table := Build(BuildOptions{
		Declared: []Declaration{
			{Type: "orders.Cart", Sheddable: true, Priority: PriorityLow, HasPriority: true},
			{Type: "orders.Ledger", Sheddable: false},
		},
		Overrides: map[string]Priority{"chat.Room": 7},
	})

	assert.Equal(t, []string{"chat.Room", "orders.Cart"}, table.Types())
	assert.False(t, table.Contains("orders.Ledger"))

	p, _ := table.Priority("chat.Room")
	assert.Equal(t, Priority(7), p)
}

func TestBuild_DuplicateDeclarationFirstWins(t *testing.T) {
	table := Build(BuildOptions{
		Declared: []Declaration{
			{Type: "TypeA", Sheddable: true, Priority: PriorityLowest, HasPriority: true},
			{Type: "TypeA", Sheddable: true, Priority: PriorityHighest, HasPriority: true},
		},
	})

	p, _ := table.Priority("TypeA")
	assert.Equal(t, PriorityLowest, p)
}

func TestBuild_ProtectedTypesExcluded(t *testing.T) {
	protected, err := NewGlobSet([]string{"system.*"})
	require.NoError(t, err)

	table := Build(BuildOptions{
		Declared: []Declaration{
			{Type: "system.Coordinator", Sheddable: true},
			{Type: "orders.Cart", Sheddable: true},
		},
		Overrides: map[string]Priority{"system.LocalShedder": PriorityLowest},
		Protected: protected,
	})

	assert.Equal(t, []string{"orders.Cart"}, table.Types())
}

func TestTable_TypesIsACopy(t *testing.T) {
	table := NewTable(map[string]Priority{"a": 1, "b": 2})

	types := table.Types()
	types[0] = "mutated"

	assert.Equal(t, []string{"a", "b"}, table.Types())
}

func TestTable_EntriesInSheddingOrder(t *testing.T) {
	table := NewTable(map[string]Priority{"z": PriorityLowest, "a": PriorityHigh, "m": PriorityLowest})

	assert.Equal(t, []Entry{
		{Type: "m", Priority: PriorityLowest},
		{Type: "z", Priority: PriorityLowest},
		{Type: "a", Priority: PriorityHigh},
	}, table.Entries())
}

func TestTable_OrderExhaustsLowerPriorityFirst(t *testing.T) {
	table := NewTable(map[string]Priority{"A": 0, "B": 5})

	ordered := table.Order([]cluster.ActivationStat{
		stat("B", "1"),
		stat("A", "3"),
		stat("Other", "1"),
		stat("B", "0"),
		stat("A", "1"),
		stat("A", "2"),
	})

	require.Len(t, ordered, 5)
	assert.Equal(t, []cluster.ActivationStat{
		stat("A", "1"),
		stat("A", "2"),
		stat("A", "3"),
		stat("B", "0"),
		stat("B", "1"),
	}, ordered)
}

func TestTable_OrderTieBreakByTypeThenKey(t *testing.T) {
	table := NewTable(map[string]Priority{"beta": PriorityNormal, "alpha": PriorityNormal})

	ordered := table.Order([]cluster.ActivationStat{
		stat("beta", "a"),
		stat("alpha", "z"),
		stat("alpha", "b"),
	})

	assert.Equal(t, []cluster.ActivationStat{
		stat("alpha", "b"),
		stat("alpha", "z"),
		stat("beta", "a"),
	}, ordered)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("High")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("12")
	require.NoError(t, err)
	assert.Equal(t, Priority(12), p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestParsePrecedence(t *testing.T) {
	p, err := ParsePrecedence("config")
	require.NoError(t, err)
	assert.Equal(t, ConfigFirst, p)

	p, err = ParsePrecedence("")
	require.NoError(t, err)
	assert.Equal(t, DeclaredFirst, p)

	_, err = ParsePrecedence("random")
	assert.Error(t, err)
}

func TestGlobSet(t *testing.T) {
	set, err := NewGlobSet([]string{"system.*", "chat.Room"})
	require.NoError(t, err)

	assert.True(t, set.Match("system.Coordinator"))
	assert.False(t, set.Match("system.nested.Type"))
	assert.True(t, set.Match("chat.Room"))
	assert.False(t, set.Match("chat.Lobby"))

	var empty *GlobSet
	assert.False(t, empty.Match("anything"))

	_, err = NewGlobSet([]string{"[unterminated"})
	assert.Error(t, err)
}
