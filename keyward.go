/*
Copyright 2025 Keyward Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package keyward defines constants shared across the keyward codebase.
package keyward

const (
	// Version is the semver of the current release
	Version = "0.3.0"

	// ComponentKey is the name of the logging field holding the
	// component emitting the message
	ComponentKey = "component"

	// ComponentRecovery is the guardian-based recovery orchestrator
	ComponentRecovery = "recovery"

	// ComponentDMS is the dead-man's-switch scheduler
	ComponentDMS = "dms"

	// ComponentWeb is the HTTP API server
	ComponentWeb = "web"

	// ComponentBackend is the key-value storage layer
	ComponentBackend = "backend"
)
