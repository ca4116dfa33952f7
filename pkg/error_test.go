package pkg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{"nil", nil, ResultOK},
		{"busy", ErrBusy, ResultBusy},
		{"wrapped busy", fmt.Errorf("endpoint 0x81: %w", ErrBusy), ResultBusy},
		{"invalid", ErrInvalid, ResultInvalid},
		{"invalid request", ErrInvalidRequest, ResultInvalid},
		{"not supported", ErrNotSupported, ResultInvalid},
		{"stall", ErrStall, ResultInvalid},
		{"capacity", fmt.Errorf("register: %w", ErrNoMemory), ResultInvalid},
		{"driver", ErrDriver, ResultError},
		{"other", errors.New("boom"), ResultError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResultOf(tt.err))
		})
	}
}

func TestResult_String(t *testing.T) {
	tests := []struct {
		result Result
		want   string
	}{
		{ResultOK, "ok"},
		{ResultError, "error"},
		{ResultBusy, "busy"},
		{ResultInvalid, "invalid"},
		{Result(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.String())
		})
	}
}

func TestResult_Err(t *testing.T) {
	assert.NoError(t, ResultOK.Err())
	assert.ErrorIs(t, ResultBusy.Err(), ErrBusy)
	assert.ErrorIs(t, ResultInvalid.Err(), ErrInvalid)
	assert.ErrorIs(t, ResultError.Err(), ErrDriver)

	for _, r := range []Result{ResultOK, ResultError, ResultBusy, ResultInvalid} {
		assert.Equal(t, r, ResultOf(r.Err()), r.String())
	}
}

func TestInvalidErrorsWrapBase(t *testing.T) {
	errs := []error{
		ErrInvalidRequest,
		ErrInvalidEndpoint,
		ErrInvalidInterface,
		ErrInvalidState,
		ErrInvalidParameter,
		ErrInvalidLength,
		ErrNotSupported,
		ErrNotConfigured,
		ErrStall,
		ErrNoMemory,
		ErrSetupPacketTooShort,
		ErrDescriptorTooShort,
		ErrDescriptorTypeMismatch,
		ErrBufferTooSmall,
	}
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrInvalid, err.Error())
		assert.NotErrorIs(t, err, ErrBusy, err.Error())
	}
}
