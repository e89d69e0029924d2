package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		in   string
		want Progress
	}{
		{"47%", Progress{Known: true, Percent: 47}},
		{"0%", Progress{Known: true, Percent: 0}},
		{"100%", Progress{Known: true, Percent: 100}},
		{"N/A", ProgressUnknown},
		{"", ProgressUnknown},
		{"garbage", ProgressUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseProgress(tt.in))
		})
	}
}

func TestProgressString(t *testing.T) {
	assert.Equal(t, "47%", Progress{Known: true, Percent: 47}.String())
	assert.Equal(t, "N/A", ProgressUnknown.String())
}

func TestSnapshotUnmarshal(t *testing.T) {
	data := []byte(`{
		"name": "daily.2106020913",
		"filesystem": "fs1",
		"accessPoint": "@GMT-2021.06.02-09.13.00",
		"creationTime": "2021-06-02T09:13:00Z",
		"locator": "",
		"localStowInfo": {"stowStatus": "UPLOADING", "stowProgress": "33%", "locator": "loc-l"},
		"remoteStowInfo": {"stowStatus": "NONE", "stowProgress": "N/A", "locator": ""}
	}`)
	var s Snapshot
	require.NoError(t, json.Unmarshal(data, &s))

	assert.Equal(t, "daily.2106020913", s.Name)
	assert.Equal(t, StowUploading, s.LocalStow.Status)
	assert.Equal(t, Progress{Known: true, Percent: 33}, s.LocalStow.Progress)
	assert.Equal(t, StowNone, s.RemoteStow.Status)
	assert.False(t, s.RemoteStow.Progress.Known)
}

func TestBestLocator(t *testing.T) {
	s := Snapshot{
		Locator:    "top",
		LocalStow:  StowInfo{Locator: "local"},
		RemoteStow: StowInfo{Locator: "remote"},
	}
	assert.Equal(t, "top", s.BestLocator())
	s.Locator = ""
	assert.Equal(t, "remote", s.BestLocator())
	s.RemoteStow.Locator = ""
	assert.Equal(t, "local", s.BestLocator())
}

func TestStowBySite(t *testing.T) {
	s := Snapshot{
		LocalStow:  StowInfo{Status: StowSynchronized},
		RemoteStow: StowInfo{Status: StowUploading},
	}
	assert.Equal(t, StowSynchronized, s.Stow(SiteLocal).Status)
	assert.Equal(t, StowUploading, s.Stow(SiteRemote).Status)
}

func TestBucketFor(t *testing.T) {
	fs := Filesystem{
		Name: "fs1",
		Buckets: []Bucket{
			{Name: "ro", Mode: BucketReadOnly},
			{Name: "writable", Mode: BucketWritable},
			{Name: "remote", Mode: BucketRemote},
		},
	}
	b, ok := fs.BucketFor(SiteLocal)
	require.True(t, ok)
	assert.Equal(t, "writable", b.Name)

	b, ok = fs.BucketFor(SiteRemote)
	require.True(t, ok)
	assert.Equal(t, "remote", b.Name)

	empty := Filesystem{}
	_, ok = empty.BucketFor(SiteLocal)
	assert.False(t, ok)
}

func TestSplitSnapName(t *testing.T) {
	tests := []struct {
		in    string
		entry string
		tail  string
		ok    bool
	}{
		{"daily.2106020913", "daily", "2106020913", true},
		{"grp_hourly.2106020913", "grp_hourly", "2106020913", true},
		{"manual-snapshot", "", "", false},
		{"daily.123", "", "", false},
		{"daily.210602091x", "", "", false},
		{"a.b.2106020913", "", "", false},
		{".2106020913", "", "2106020913", true}, // empty entry name still parses
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			entry, tail, ok := SplitSnapName(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.entry, entry)
				assert.Equal(t, tt.tail, tail)
			}
		})
	}
}
