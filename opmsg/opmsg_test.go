package opmsg

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
	}{
		{"put", NewMutation(OpPut, 777, 1, []byte("k"), nil, []byte("v"))},
		{"put empty value", NewMutation(OpPut, 777, 2, []byte("k"), nil, []byte{})},
		{"replace exact", NewMutation(OpReplaceExact, -5, 3, []byte("k"), []byte("old"), []byte("new"))},
		{"remove any", NewMutation(OpRemoveAny, 1, 4, []byte("k"), nil, nil)},
		{"merge", NewFunctionOp(OpMerge, 1, 5, []byte("k"), "append", []byte("tail"))},
		{"compute no arg", NewFunctionOp(OpCompute, 1, 6, []byte("k"), "incr", nil)},
		{"flush request", NewFlushRequest(42, 100500, -1)},
		{"flush notification", NewFlushNotification(42, 7, 101, 99)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)
			require.Equal(t, byte(tc.msg.OpType), data[0])

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestNullAndEmptyAreDistinct(t *testing.T) {
	data, err := Encode(NewMutation(OpReplaceExact, 1, 1, []byte("k"), []byte{}, nil))
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.NotNil(t, m.ExpValue)
	assert.Empty(t, m.ExpValue)
	assert.Nil(t, m.UpdValue)
}

func TestControlMessagesCarryNoPayload(t *testing.T) {
	msg := NewFlushRequest(1, 10, 5)
	msg.Key = []byte("ignored")
	data, err := Encode(msg)
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.Nil(t, m.Key)
	assert.Equal(t, int64(10), m.FlushOffsetOps)
	assert.Equal(t, int64(5), m.CleanOffsetOps)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Encode(NewMutation(OpPut, 1, 1, nil, nil, []byte("v")))
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = Encode(Message{OpType: 'z'})
	assert.ErrorIs(t, err, ErrUnknownOpType)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode([]byte{'z', 0})
	assert.True(t, errors.Is(err, ErrUnknownOpType))

	data, err := Encode(NewMutation(OpPut, 1, 1, []byte("key"), nil, []byte("value")))
	require.NoError(t, err)
	for i := 1; i < len(data); i++ {
		_, err := Decode(data[:i])
		assert.ErrorIs(t, err, ErrTruncated, "prefix %d", i)
	}

	_, err = Decode(append(data, 0))
	assert.ErrorIs(t, err, ErrBadLength)

	ctl, err := Encode(NewFlushNotification(1, 2, 3, 4))
	require.NoError(t, err)
	_, err = Decode(append(ctl, 1, 2))
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestOpTypeClassification(t *testing.T) {
	for _, op := range []OpType{OpPut, OpPutIfAbsent, OpReplaceAny, OpReplaceExact,
		OpRemoveAny, OpRemoveExact, OpCompute, OpComputeIfPresent, OpMerge} {
		assert.True(t, op.IsMutation(), op.String())
		assert.False(t, op.IsControl(), op.String())
	}
	for _, op := range []OpType{OpFlushRequest, OpFlushNotification} {
		assert.True(t, op.IsControl(), op.String())
		assert.False(t, op.IsMutation(), op.String())
	}
	assert.Equal(t, "opType(122)", OpType('z').String())
}
