package prhost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/luban-ide/luban-core/internal/model"
)

func TestMapState(t *testing.T) {
	assert.Equal(t, model.PRStateMerged, mapState("MERGED"))
	assert.Equal(t, model.PRStateClosed, mapState("CLOSED"))
	assert.Equal(t, model.PRStateOpen, mapState("OPEN"))
	assert.Equal(t, model.PRStateOpen, mapState("anything else"))
}

func rollup(entries ...[2]string) []struct {
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
} {
	out := make([]struct {
		Conclusion string `json:"conclusion"`
		State      string `json:"state"`
	}, len(entries))
	for i, e := range entries {
		out[i].Conclusion = e[0]
		out[i].State = e[1]
	}
	return out
}

func TestComputeCIState_EmptyRollupIsUnknown(t *testing.T) {
	assert.Equal(t, model.CIState(""), computeCIState(nil))
}

func TestComputeCIState_AnyFailureWins(t *testing.T) {
	r := rollup([2]string{"SUCCESS", ""}, [2]string{"FAILURE", ""})
	assert.Equal(t, model.CIFailure, computeCIState(r))
}

func TestComputeCIState_PendingWhenNoneFailedButSomeUnresolved(t *testing.T) {
	r := rollup([2]string{"SUCCESS", ""}, [2]string{"", "IN_PROGRESS"})
	assert.Equal(t, model.CIPending, computeCIState(r))
}

func TestComputeCIState_AllSuccessIsSuccess(t *testing.T) {
	r := rollup([2]string{"SUCCESS", ""}, [2]string{"NEUTRAL", ""})
	assert.Equal(t, model.CISuccess, computeCIState(r))
}
