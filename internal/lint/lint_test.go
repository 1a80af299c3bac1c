package lint

import (
	"context"
	"testing"

	"github.com/agentic-research/relexec/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQL_Valid(t *testing.T) {
	diags, err := SQL(context.Background(), "SELECT id, name FROM person WHERE id = 1")
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestSQL_Broken(t *testing.T) {
	diags, err := SQL(context.Background(), "SELECT (id, name FROM person")
	require.NoError(t, err)
	require.NotEmpty(t, diags)
	assert.NotEmpty(t, diags[0].Message)
}

func TestSQL_Empty(t *testing.T) {
	diags, err := SQL(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestPlan_AttributesToOwner(t *testing.T) {
	conn := api.Connection{Name: "main"}
	plan := &api.Sequence{Nodes: []api.Node{
		&api.SQLExecution{SQL: "SELECT 1 FROM person", Connection: conn},
		&api.RelationalResultWrap{
			SQL: &api.SQLExecution{SQL: "SELECT (id FROM person", Connection: conn},
		},
	}}

	diags, err := Plan(context.Background(), plan)
	require.NoError(t, err)
	require.NotEmpty(t, diags)
	for _, d := range diags {
		assert.Equal(t, api.KindResultWrap, d.Node, d.String())
		assert.Equal(t, -1, d.Index)
	}
}

func TestPlan_ChildMustJoinParentKeys(t *testing.T) {
	conn := api.Connection{Name: "main"}
	root := &api.GraphFetchRoot{
		FetchNode: api.FetchNode{
			Index:     0,
			TempTable: &api.TempTable{Name: "tt_person"},
			Children: []api.Node{
				&api.GraphFetchClassChild{
					FetchNode: api.FetchNode{Index: 1},
					SQL:       &api.SQLExecution{SQL: "SELECT id FROM TT_PERSON", Connection: conn},
				},
				&api.GraphFetchPrimitiveChild{
					FetchNode: api.FetchNode{Index: 2},
					SQL:       &api.SQLExecution{SQL: "SELECT nick FROM nickname", Connection: conn},
				},
				&api.GraphFetchCrossRoot{
					FetchNode:      api.FetchNode{Index: 3},
					SQL:            &api.SQLExecution{SQL: "SELECT id FROM firm", Connection: conn},
					CrossTempTable: api.TempTable{Name: "tt_firm_keys"},
				},
			},
		},
		Source: &api.SQLExecution{SQL: "SELECT id FROM person", Connection: conn},
	}

	diags, err := Plan(context.Background(), root)
	require.NoError(t, err)

	var got []int
	for _, d := range diags {
		got = append(got, d.Index)
	}
	assert.Equal(t, []int{2, 3}, got)
	assert.Contains(t, diags[0].String(), `parent key table "tt_person"`)
	assert.Contains(t, diags[1].Message, `"tt_firm_keys"`)
}

func TestDiagnostic_String(t *testing.T) {
	d := Diagnostic{Node: api.KindGraphFetchClass, Index: 4, Line: 0, Column: 6, Message: "syntax error"}
	assert.Equal(t, "graphFetchClassChild[4] 1:7: syntax error", d.String())

	d.Index = -1
	assert.Equal(t, "graphFetchClassChild 1:7: syntax error", d.String())
}
