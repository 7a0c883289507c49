package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseErrorWrapsUnderlying(t *testing.T) {
	t.Parallel()

	underlying := fmt.Errorf("unexpected token")
	err := NewParseError("scenario.yaml", 12, underlying)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "scenario.yaml", parseErr.Path)
	require.Equal(t, 12, parseErr.Line)
	require.True(t, stdErrors.Is(err, underlying))
	require.Contains(t, err.Error(), "scenario.yaml:12")
}

func TestValidationErrorIncludesField(t *testing.T) {
	t.Parallel()

	err := NewValidationError("datacenters[1].name", "duplicate datacenter", nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "datacenters[1].name", validationErr.Field)
	require.Equal(t, "validation error: datacenters[1].name: duplicate datacenter", err.Error())
}

func TestSubmissionErrorMatchesQueueFull(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("submit: %w", NewSubmissionError("dc1", "TASK.1.000001", 2))

	require.ErrorIs(t, err, ErrQueueFull)
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	require.Equal(t, 2, subErr.Capacity)
	require.Contains(t, err.Error(), "queue full")
}

func TestDeploymentErrorAppendsRollbackSummary(t *testing.T) {
	t.Parallel()

	cause := stdErrors.New("quota exceeded")
	err := NewDeploymentError("create-vm web.a", cause, false, "Rollback fails to delete: [network n1 from VIM dc1]")

	require.True(t, stdErrors.Is(err, cause))
	require.Equal(t, "deployment failed at create-vm web.a: quota exceeded. Rollback fails to delete: [network n1 from VIM dc1]", err.Error())
}

func TestNilErrorsRenderEmpty(t *testing.T) {
	t.Parallel()

	var parseErr *ParseError
	var deployErr *DeploymentError
	require.Empty(t, parseErr.Error())
	require.Nil(t, deployErr.Unwrap())
}
