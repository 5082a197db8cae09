package contentstore

import (
	"context"
	"sync"
)

// Fake is an in-memory Store for tests. Zero value is ready to use;
// set the Fail* fields to exercise collaborator-failure paths.
type Fake struct {
	mu sync.Mutex

	FailAdd   error
	FailPin   error
	FailUnpin error

	NextCID string

	Added    []string
	Pinned   []PinCall
	Unpinned []string
}

type PinCall struct {
	CID        string
	ReplicaMin int
	ReplicaMax int
}

func (f *Fake) Add(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAdd != nil {
		return "", f.FailAdd
	}
	cid := f.NextCID
	if cid == "" {
		cid = "bafy-fake-" + path
	}
	f.Added = append(f.Added, path)
	return cid, nil
}

func (f *Fake) Pin(_ context.Context, cid string, replicaMin, replicaMax int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPin != nil {
		return f.FailPin
	}
	f.Pinned = append(f.Pinned, PinCall{CID: cid, ReplicaMin: replicaMin, ReplicaMax: replicaMax})
	return nil
}

func (f *Fake) Unpin(_ context.Context, cid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailUnpin != nil {
		return f.FailUnpin
	}
	f.Unpinned = append(f.Unpinned, cid)
	return nil
}

// PinCount returns how many times cid was pinned.
func (f *Fake) PinCount(cid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Pinned {
		if c.CID == cid {
			n++
		}
	}
	return n
}

// UnpinCount returns how many times cid was unpinned.
func (f *Fake) UnpinCount(cid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Unpinned {
		if c == cid {
			n++
		}
	}
	return n
}
