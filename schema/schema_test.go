package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name string
	Qty  int
}

func TestValidate_NilValidatorIsNoop(t *testing.T) {
	assert.NoError(t, Validate[widget](nil, Insert, widget{}))
}

func TestValidate_IssuesProduceValidationError(t *testing.T) {
	v := Func[widget](func(w widget) ([]Issue, error) {
		if w.Qty < 0 {
			return []Issue{{Path: []string{"qty"}, Message: "must be non-negative"}}, nil
		}
		return nil, nil
	})

	err := Validate[widget](v, Update, widget{Name: "x", Qty: -1})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, Update, ve.Type)
	assert.Len(t, ve.Issues, 1)
}

func TestValidate_ValidatorErrorWraps(t *testing.T) {
	boom := errors.New("boom")
	v := Func[widget](func(w widget) ([]Issue, error) { return nil, boom })
	err := Validate[widget](v, Insert, widget{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestValidate_NoIssuesPasses(t *testing.T) {
	v := Func[widget](func(w widget) ([]Issue, error) { return nil, nil })
	assert.NoError(t, Validate[widget](v, Insert, widget{Name: "ok"}))
}
