// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectStore which performs prioritization
// of various requests.
package objproxy

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by stores for objects which do not exist.
var ErrNotFound = errors.New("object not found")

// Interface for object storage backends. Anything implementing this
// interface can be used as a storage backend for chunk devices.
type ObjectStore interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the legth of requested data.
	// Missing object is reported as ErrNotFound.
	DownloadAt(key int64, buf []byte, offset int64) error

	// Deletes object identified by key. Deleting missing object is not an
	// error.
	Delete(key int64) error
}

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this requests from low
// priority operations like discards do not slow down reads and writes.
type ObjectProxy struct {
	Instance ObjectStore

	// Number of go routines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request

	quit      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

type requestKind int

const (
	upload requestKind = iota
	download
	remove
)

// Request is internal structure for wrapping the communication into channels.
type request struct {
	kind   requestKind
	key    int64
	data   []byte
	offset int64
	done   chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers. Deletes are served by
// uploaders.
func New(storeInstance ObjectStore, uploaders, downloaders int) *ObjectProxy {
	if uploaders < 1 {
		uploaders = 1
	}
	if downloaders < 1 {
		downloaders = 1
	}

	p := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	p.workers.Add(p.uploaders + p.downloaders)

	for i := 0; i < p.uploaders; i++ {
		go p.worker(p.uploadsPrio, p.uploads)
	}

	for i := 0; i < p.downloaders; i++ {
		go p.worker(p.downloadsPrio, p.downloads)
	}

	return p
}

// Proxy function for uploading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Upload(key int64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	return p.send(c, request{kind: upload, key: key, data: body})
}

// Proxy function for downloading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key int64, chunk []byte, offset int64, prio bool) error {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	return p.send(c, request{kind: download, key: key, data: chunk, offset: offset})
}

// Deletes object with key with low priority.
func (p *ObjectProxy) Delete(key int64) error {
	return p.send(p.uploads, request{kind: remove, key: key})
}

// Stops all workers. Requests sent after Close fail.
func (p *ObjectProxy) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.workers.Wait()
}

var errClosed = errors.New("object proxy closed")

func (p *ObjectProxy) send(c chan request, r request) error {
	r.done = make(chan error, 1)

	select {
	case c <- r:
	case <-p.quit:
		return errClosed
	}

	return <-r.done
}

// Generic function for prioritization used by both, uploader and downloader
// workers. Returns false when the proxy is closed.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
	case <-p.quit:
		return r, false
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Worker just calls the instance provided in New().
func (p *ObjectProxy) worker(prio, normal chan request) {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest(prio, normal)
		if !ok {
			return
		}

		var err error
		switch r.kind {
		case upload:
			err = p.Instance.Upload(r.key, r.data)
		case download:
			err = p.Instance.DownloadAt(r.key, r.data, r.offset)
		case remove:
			err = p.Instance.Delete(r.key)
		}
		r.done <- err
	}
}
