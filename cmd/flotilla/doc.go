// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Flotilla is the operator CLI for a flotillad fleet. It provides
// subcommands for agent lifecycle (create, delete, list, show),
// template administration (list, sign, approve, keygen), and daemon
// inspection (ports, status). Fleet operations talk to a running
// flotillad over its control socket; template signing works locally
// against key files.
package main
