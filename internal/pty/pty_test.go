package pty

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetLogsReturnsSuffix(t *testing.T) {
	s := &Session{}
	s.logs = []logEntry{
		{seq: 1, data: []byte("a")},
		{seq: 2, data: []byte("b")},
		{seq: 3, data: []byte("c")},
	}
	s.nextSeq = 3

	data, cursor := s.GetLogs(1)
	require.Equal(t, "bc", string(data))
	require.Equal(t, uint64(3), cursor)

	data, cursor = s.GetLogs(3)
	require.Empty(t, data)
	require.Equal(t, uint64(3), cursor)

	data, cursor = s.GetLogs(0)
	require.Equal(t, "abc", string(data))
	require.Equal(t, uint64(3), cursor)
}
