/*
 * Copyright 2021. Go-RWSplit Author All Rights Reserved.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 *
 *  File author: Anders Xiao
 */

package rwsplit

import "github.com/pingcap/errors"

var (
	// ErrNoBackend is returned when the selector finds no eligible backend.
	ErrNoBackend = errors.New("no backend available to route to")

	// ErrSessionModifyingSelect rejects a SELECT that assigns to a user
	// variable while use_sql_variables_in=all is in effect.
	ErrSessionModifyingSelect = errors.New("SELECT with session data modification is not supported if configuration parameter use_sql_variables_in=all")

	// ErrSessionClosed is returned when an operation hits a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNoMaster is returned when a statement requires the master and no
	// usable master connection exists.
	ErrNoMaster = errors.New("no master server available")

	// ErrAttachDisabled is returned when a new backend cannot be attached
	// because the session command history has been discarded.
	ErrAttachDisabled = errors.New("cannot attach new backend: session command history has been discarded")
)
