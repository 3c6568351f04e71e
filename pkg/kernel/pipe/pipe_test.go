// Copyright 2023 The Ukern Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipe

import (
	"bytes"
	"testing"

	"ukern.dev/ukern/pkg/errors/linuxerr"
	"ukern.dev/ukern/pkg/waiter"
)

func TestReadWrite(t *testing.T) {
	r, w := New(0)
	defer r.DecRef()
	defer w.DecRef()

	if _, err := r.Read(make([]byte, 4)); err != linuxerr.EWOULDBLOCK {
		t.Fatalf("Read on empty pipe: got %v, wanted EWOULDBLOCK", err)
	}

	if n, err := w.Write([]byte("hello")); n != 5 || err != nil {
		t.Fatalf("Write: got (%d, %v), wanted (5, nil)", n, err)
	}

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte("hello")) {
		t.Fatalf("Read: got (%q, %v)", buf[:n], err)
	}
}

func TestReadiness(t *testing.T) {
	r, w := New(4)
	defer r.DecRef()
	defer w.DecRef()

	if got := r.Readiness(waiter.EventIn); got != 0 {
		t.Errorf("empty pipe reader readiness: %#x", got)
	}
	if got := w.Readiness(waiter.EventOut); got != waiter.EventOut {
		t.Errorf("empty pipe writer readiness: %#x, wanted EventOut", got)
	}

	w.Write([]byte("abcd"))

	if got := r.Readiness(waiter.EventIn); got != waiter.EventIn {
		t.Errorf("full pipe reader readiness: %#x, wanted EventIn", got)
	}
	if got := w.Readiness(waiter.EventOut); got != 0 {
		t.Errorf("full pipe writer readiness: %#x, wanted 0", got)
	}
}

func TestPartialAndBlockedWrite(t *testing.T) {
	r, w := New(4)
	defer r.DecRef()
	defer w.DecRef()

	if n, err := w.Write([]byte("abcdef")); n != 4 || err != nil {
		t.Fatalf("Write: got (%d, %v), wanted (4, nil)", n, err)
	}
	if _, err := w.Write([]byte("x")); err != linuxerr.EWOULDBLOCK {
		t.Fatalf("Write to full pipe: got %v, wanted EWOULDBLOCK", err)
	}
}

func TestNotification(t *testing.T) {
	r, w := New(0)
	defer r.DecRef()
	defer w.DecRef()

	e, ch := waiter.NewChannelEntry(nil)
	r.EventRegister(&e, waiter.EventIn)
	defer r.EventUnregister(&e)

	w.Write([]byte("x"))

	select {
	case <-ch:
	default:
		t.Fatal("reader not notified of write")
	}
}

func TestWriterClose(t *testing.T) {
	r, w := New(0)
	defer r.DecRef()

	w.Write([]byte("x"))
	w.DecRef()

	// Buffered data drains first, then EOF.
	buf := make([]byte, 4)
	if n, err := r.Read(buf); n != 1 || err != nil {
		t.Fatalf("Read: got (%d, %v), wanted (1, nil)", n, err)
	}
	if n, err := r.Read(buf); n != 0 || err != nil {
		t.Fatalf("Read at EOF: got (%d, %v), wanted (0, nil)", n, err)
	}

	if got := r.Readiness(waiter.EventIn); got&waiter.EventHUp == 0 {
		t.Errorf("reader readiness after writer close: %#x, missing EventHUp", got)
	}
}

func TestReaderClose(t *testing.T) {
	r, w := New(0)
	defer w.DecRef()

	r.DecRef()

	if _, err := w.Write([]byte("x")); err != linuxerr.EPIPE {
		t.Fatalf("Write after reader close: got %v, wanted EPIPE", err)
	}
	if got := w.Readiness(waiter.EventOut); got&waiter.EventErr == 0 {
		t.Errorf("writer readiness after reader close: %#x, missing EventErr", got)
	}
}
