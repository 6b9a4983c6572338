package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition(t *testing.T) {
	base := State{Conn: ConnConnected, Disk: DiskUpToDate, PeerDisk: DiskUpToDate}

	cases := []struct {
		name string
		os   State
		ns   State
		want error
	}{
		{
			name: "identical states",
			os:   base,
			ns:   base,
			want: ErrNothingToDo,
		},
		{
			name: "connected to sync target",
			os:   base,
			ns:   State{Conn: ConnSyncTarget, Disk: DiskInconsistent, PeerDisk: DiskUpToDate},
			want: nil,
		},
		{
			name: "standalone to sync target",
			os:   State{Conn: ConnStandAlone, Disk: DiskUpToDate},
			ns:   State{Conn: ConnSyncTarget, Disk: DiskInconsistent},
			want: ErrInvalidTransition,
		},
		{
			name: "sync to paused sync stays in session",
			os:   State{Conn: ConnSyncTarget, Disk: DiskInconsistent, PeerDisk: DiskUpToDate},
			ns:   State{Conn: ConnPausedSyncTarget, Disk: DiskInconsistent, PeerDisk: DiskUpToDate},
			want: nil,
		},
		{
			name: "diskless becoming up to date",
			os:   State{Conn: ConnConnected, Disk: DiskDiskless, PeerDisk: DiskUpToDate},
			ns:   State{Conn: ConnConnected, Disk: DiskUpToDate, PeerDisk: DiskUpToDate},
			want: ErrInvalidTransition,
		},
		{
			name: "primary without usable data anywhere",
			os:   base,
			ns:   State{Role: RolePrimary, Conn: ConnConnected, Disk: DiskFailed, PeerDisk: DiskDiskless},
			want: ErrInvalidTransition,
		},
		{
			name: "primary with usable peer data only",
			os:   base,
			ns:   State{Role: RolePrimary, Conn: ConnConnected, Disk: DiskFailed, PeerDisk: DiskUpToDate},
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateTransition(tc.os, tc.ns)
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestConnStateHelpers(t *testing.T) {
	assert.True(t, ConnSyncSource.Syncing())
	assert.True(t, ConnPausedSyncTarget.Syncing())
	assert.True(t, ConnVerifySource.Syncing())
	assert.False(t, ConnConnected.Syncing())
	assert.False(t, ConnStandAlone.Syncing())

	assert.True(t, ConnVerifyTarget.Verify())
	assert.False(t, ConnSyncTarget.Verify())
}

func TestStatePaused(t *testing.T) {
	assert.False(t, State{}.Paused())
	assert.True(t, State{DepPaused: true}.Paused())
	assert.True(t, State{PeerPaused: true}.Paused())
	assert.True(t, State{UserPaused: true}.Paused())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "SyncTarget", ConnSyncTarget.String())
	assert.Equal(t, "UpToDate", DiskUpToDate.String())
	assert.Equal(t, "primary", RolePrimary.String())
	assert.Equal(t, "Unknown", ConnState(200).String())
}
