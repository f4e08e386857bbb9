package pkg

import (
	"errors"
	"testing"
)

func TestTransferStatusError(t *testing.T) {
	cases := []struct {
		status TransferStatus
		want   error
	}{
		{TransferStatusSuccess, nil},
		{TransferStatusStall, ErrStall},
		{TransferStatusNAK, ErrNAK},
		{TransferStatusTimeout, ErrTimeout},
		{TransferStatusCancelled, ErrCancelled},
		{TransferStatusOverrun, ErrOverrun},
		{TransferStatusUnderrun, ErrUnderrun},
		{TransferStatus(99), ErrProtocol},
	}
	for _, c := range cases {
		if got := c.status.Error(); !errors.Is(got, c.want) && got != c.want {
			t.Errorf("%v.Error() = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestTransferStatusString(t *testing.T) {
	if got := TransferStatusSuccess.String(); got != "success" {
		t.Errorf("String() = %q, want %q", got, "success")
	}
	if got := TransferStatus(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want %q", got, "unknown")
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrStall, ErrNAK, ErrTimeout, ErrCancelled, ErrOverrun, ErrUnderrun,
		ErrProtocol, ErrNoDevice, ErrNotConfigured, ErrInvalidEndpoint,
		ErrInvalidState, ErrInvalidRequest, ErrBufferTooSmall, ErrNotSupported,
		ErrBusy, ErrNoMemory, ErrStringTooLong, ErrConfiguration,
		ErrBackendUnavailable, ErrUpstream, ErrEndEmulation,
	}
	seen := make(map[string]bool)
	for _, err := range sentinels {
		msg := err.Error()
		if seen[msg] {
			t.Errorf("duplicate sentinel error message: %q", msg)
		}
		seen[msg] = true
	}
}
