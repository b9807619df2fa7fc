// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package convert

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Overridden in tests.
var (
	osHostname = os.Hostname
	getenv     = os.Getenv
	getpid     = os.Getpid
)

// TaskIdentity returns a value for the client_uid label that distinguishes
// this process from other instances of the same client.
//
// Usually it looks like "<uuid><pid>@<hostname>". If the OS doesn't report a
// host name, it falls back to "<uuid>@<hostname>" with the host name taken from
// $HOSTNAME, or "localhost" if that is empty too.
//
// A fresh UUID is generated on every call, so the result is never reused
// across restarts.
func TaskIdentity() string {
	id := uuid.NewString()
	if name := processName(); name != "" {
		return id + name
	}
	return fmt.Sprintf("%s@%s", id, fallbackHostname())
}

// processName returns "<pid>@<hostname>" or "" if the host name is unknown.
func processName() string {
	host, err := osHostname()
	if err != nil || host == "" {
		return ""
	}
	return fmt.Sprintf("%d@%s", getpid(), host)
}

func fallbackHostname() string {
	if host := getenv("HOSTNAME"); host != "" {
		return host
	}
	return "localhost"
}
