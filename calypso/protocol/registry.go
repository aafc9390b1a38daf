// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"errors"
	"fmt"
	"sync"
)

// ErrFactoryNotFound is returned by GetFactory for unregistered reader types.
var ErrFactoryNotFound = errors.New("reader factory not found")

type ReaderType int

func (t ReaderType) String() string {
	switch t {
	case PCSC:
		return "PCSC"
	case Stub:
		return "Stub"
	default:
		return fmt.Sprintf("UnknownReaderType(%d)", t)
	}
}

const (
	PCSC ReaderType = iota
	Stub
)

// Factory opens the reader with the given name.
type Factory func(name string) (Reader, error)

var (
	mu              sync.RWMutex
	implementations = make(map[ReaderType]Factory)
)

// RegisterImpl makes a reader back-end available. It is meant to be called
// from the init function of the back-end package and panics when typ is
// registered twice.
func RegisterImpl(typ ReaderType, open Factory) {
	mu.Lock()
	defer mu.Unlock()
	if open == nil {
		panic(fmt.Sprintf("RegisterImpl(%v, nil) factory is nil", typ))
	}
	if _, ok := implementations[typ]; ok {
		panic(fmt.Sprintf("RegisterImpl(%v, _) duplicate ReaderType registration", typ))
	}
	implementations[typ] = open
}

func GetFactory(typ ReaderType) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := implementations[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrFactoryNotFound, typ)
	}
	return f, nil
}
