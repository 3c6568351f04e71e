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

// Package kernel defines the abstractions shared by the kernel's
// file-descriptor facilities.
package kernel

import (
	"ukern.dev/ukern/pkg/refs"
	"ukern.dev/ukern/pkg/waiter"
)

// File is the interface implemented by all file-like objects of the modern
// file layer.
//
// Files are reference counted; holders of weak references must be prepared
// for an upgrade to fail. A File's wait queue must remain valid for
// EventUnregister even while the file is being destroyed, so that
// subscribers can detach from a dying-but-not-freed file.
type File interface {
	refs.RefCounter
	waiter.Waitable
}
