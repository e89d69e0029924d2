package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StowStatus is the cluster-side object store state of a snapshot.
type StowStatus string

const (
	StowNone         StowStatus = "NONE"
	StowUploading    StowStatus = "UPLOADING"
	StowSynchronized StowStatus = "SYNCHRONIZED"
)

// StowSite selects which object store an upload targets.
type StowSite string

const (
	SiteLocal  StowSite = "LOCAL"
	SiteRemote StowSite = "REMOTE"
)

// Progress is a stow transfer percentage as reported by the cluster.
// The wire value is either a string like "47%" or "N/A"; it is parsed
// once at the boundary so the rest of the engine compares integers.
type Progress struct {
	Known   bool
	Percent int
}

// ProgressUnknown is the parsed form of "N/A".
var ProgressUnknown = Progress{}

// ParseProgress converts the cluster's progress string.
func ParseProgress(s string) Progress {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return ProgressUnknown
	}
	pct, err := strconv.Atoi(strings.TrimSuffix(s, "%"))
	if err != nil {
		return ProgressUnknown
	}
	return Progress{Known: true, Percent: pct}
}

func (p Progress) String() string {
	if !p.Known {
		return "N/A"
	}
	return fmt.Sprintf("%d%%", p.Percent)
}

// UnmarshalJSON accepts the wire representation ("47%" or "N/A").
func (p *Progress) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParseProgress(s)
	return nil
}

// StowInfo is one object store's view of a snapshot.
type StowInfo struct {
	Status   StowStatus `json:"stowStatus"`
	Progress Progress   `json:"stowProgress"`
	Locator  string     `json:"locator"`
}

// Snapshot is the server-side object keyed by (filesystem, name).
type Snapshot struct {
	Name         string    `json:"name"`
	Filesystem   string    `json:"filesystem"`
	AccessPoint  string    `json:"accessPoint"`
	CreationTime time.Time `json:"creationTime"`
	Writable     bool      `json:"isWritable"`
	Locator      string    `json:"locator"`
	LocalStow    StowInfo  `json:"localStowInfo"`
	RemoteStow   StowInfo  `json:"remoteStowInfo"`
}

// Stow returns the stow info for the given site.
func (s *Snapshot) Stow(site StowSite) StowInfo {
	if site == SiteRemote {
		return s.RemoteStow
	}
	return s.LocalStow
}

// BestLocator prefers the top-level locator, then the remote stow's,
// then the local stow's.
func (s *Snapshot) BestLocator() string {
	if s.Locator != "" {
		return s.Locator
	}
	if s.RemoteStow.Locator != "" {
		return s.RemoteStow.Locator
	}
	return s.LocalStow.Locator
}

// BucketMode describes how a filesystem may use an object store bucket.
type BucketMode string

const (
	BucketWritable BucketMode = "WRITABLE"
	BucketRemote   BucketMode = "REMOTE"
	BucketReadOnly BucketMode = "READ_ONLY"
)

// Bucket is an object store bucket attached to a filesystem.
type Bucket struct {
	Name string     `json:"name"`
	UID  string     `json:"uid"`
	Mode BucketMode `json:"mode"`
}

// Filesystem is the cluster's view of a filesystem, reduced to the
// fields the engine consults when resolving upload targets.
type Filesystem struct {
	Name    string   `json:"name"`
	UID     string   `json:"uid"`
	Tiered  bool     `json:"isTiered"`
	Buckets []Bucket `json:"obsBuckets"`
}

// BucketFor returns the bucket matching the stow site's mode, if any.
func (f *Filesystem) BucketFor(site StowSite) (Bucket, bool) {
	want := BucketWritable
	if site == SiteRemote {
		want = BucketRemote
	}
	for _, b := range f.Buckets {
		if b.Mode == want {
			return b, true
		}
	}
	return Bucket{}, false
}

// ClusterStatus is the subset of the cluster status call the engine
// inspects.
type ClusterStatus struct {
	Name     string `json:"name"`
	GUID     string `json:"guid"`
	IOStatus string `json:"io_status"`
	Release  string `json:"release"`
}

// SnapNameSuffixLen is the fixed length of the numeric tail in
// engine-created snapshot names ("{entry}.{YYMMDDhhmm}").
const SnapNameSuffixLen = 10

// SplitSnapName splits an engine-created snapshot name into its entry
// name and numeric tail. ok is false for names the engine did not
// create (no dot, more than one dot, or a non-numeric tail).
func SplitSnapName(name string) (entry, tail string, ok bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 2 || len(parts[1]) != SnapNameSuffixLen {
		return "", "", false
	}
	for _, r := range parts[1] {
		if r < '0' || r > '9' {
			return "", "", false
		}
	}
	return parts[0], parts[1], true
}
