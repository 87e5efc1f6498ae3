package exitcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodesAreStable(t *testing.T) {
	tests := map[Code]int{
		ErrOpenSocket:       1,
		ErrBindingSocket:    3,
		ErrAccept:           6,
		ErrLookingForLeader: 7,
		ErrReplicating:      9,
		NotEnoughArguments:  10,
		IncorrectHandle:     11,
		ErrLogin:            14,
		ErrConfig:           15,
		ErrPersistence:      16,
	}
	for code, want := range tests {
		assert.Equal(t, want, int(code), code.String())
	}
	assert.Equal(t, "Code(99)", Code(99).String())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(ErrConfig, nil))

	cause := errors.New("boom")
	err := fmt.Errorf("start: %w", Wrap(ErrPersistence, cause))

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, ErrPersistence, e.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ErrPersistence: boom")
}
