package fec

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	held := NewPacketMap(
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 100}},
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 102}},
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 103}},
		&rtp.Packet{Header: rtp.Header{SequenceNumber: 0}},
		nil,
	)

	tests := []struct {
		name        string
		protected   []uint16
		wantPresent []uint16
		wantMissing []uint16
		wantState   LossState
	}{
		{"empty set", nil, []uint16{}, nil, LossNone},
		{"complete", []uint16{100, 102, 103}, []uint16{100, 102, 103}, nil, LossNone},
		{"single", []uint16{100, 101, 102, 103}, []uint16{100, 102, 103}, []uint16{101}, LossSingle},
		{"multiple", []uint16{100, 101, 104}, []uint16{100}, []uint16{101, 104}, LossMultiple},
		{"across wrap", []uint16{65535, 0}, []uint16{0}, []uint16{65535}, LossSingle},
		{"all missing", []uint16{7, 8}, []uint16{}, []uint16{7, 8}, LossMultiple},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loss := Classify(tt.protected, held)
			assert.Equal(t, tt.wantPresent, loss.Present)
			assert.Equal(t, tt.wantMissing, loss.Missing)
			assert.Equal(t, tt.wantState, loss.State())
		})
	}
}

func TestPacketMapNilEntry(t *testing.T) {
	m := PacketMap{5: nil}
	_, ok := m.Lookup(5)
	assert.False(t, ok)
}

func TestLossStateString(t *testing.T) {
	assert.Equal(t, "none", LossNone.String())
	assert.Equal(t, "single", LossSingle.String())
	assert.Equal(t, "multiple", LossMultiple.String())
	assert.Equal(t, "unknown", LossState(42).String())
}
