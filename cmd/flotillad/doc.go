// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// flotillad is the single-host fleet manager daemon. It owns the agent
// registry and port allocator, renders container unit files and the
// reverse proxy configuration, and runs the crash-loop watchdog and
// the reconciliation loop. Management requests arrive over a Unix
// control socket (see the flotilla CLI).
//
// Configuration comes from a single YAML file, via --config or the
// FLOTILLA_CONFIG environment variable. Exactly one daemon instance
// runs per host, enforced with an exclusive lock in the state
// directory.
package main
