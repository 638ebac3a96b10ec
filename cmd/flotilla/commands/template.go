// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/flotilla-dev/flotilla/cmd/flotilla/cli"
	"github.com/flotilla-dev/flotilla/lib/ctlsock"
	"github.com/flotilla-dev/flotilla/lib/manifest"
	"github.com/flotilla-dev/flotilla/lib/template"
)

func templateCommand() *cli.Command {
	return &cli.Command{
		Name:    "template",
		Summary: "List, sign, and approve agent templates",
		Subcommands: []*cli.Command{
			templateListCommand(),
			templateSignCommand(),
			templateApproveCommand(),
			templateKeygenCommand(),
		},
	}
}

func templateListCommand() *cli.Command {
	var socketPath string

	return &cli.Command{
		Name:    "list",
		Summary: "List available templates",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
			fs.StringVar(&socketPath, "socket", defaultSocketPath(), "flotillad control socket")
			return fs
		},
		Run: func(args []string) error {
			var listed ctlsock.TemplateListResponse
			if err := query(socketPath, ctlsock.ActionTemplateList, nil, &listed); err != nil {
				return err
			}
			if len(listed.Templates) == 0 {
				fmt.Println("no templates")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "TEMPLATE\tIMAGE\tAPPROVED\tDESCRIPTION")
			for _, tpl := range listed.Templates {
				approved := "no"
				if tpl.PreApproved {
					approved = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", tpl.Name, tpl.Image, approved, tpl.Description)
			}
			return tw.Flush()
		},
	}
}

func templateSignCommand() *cli.Command {
	var keyPath, outPath, version string

	return &cli.Command{
		Name:    "sign",
		Summary: "Sign a templates directory into a manifest",
		Usage:   "flotilla template sign <templates-dir> --key <file> --out <manifest>",
		Description: `Sign every template in a directory into a pre-approval manifest.

The manifest records each template's name and content checksum, signed
with the fleet root key. flotillad loads it at startup; agents created
from listed templates need no per-request approval. Re-run after any
template edit — a changed file no longer matches its signed checksum.`,
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("sign", pflag.ContinueOnError)
			fs.StringVar(&keyPath, "key", "", "fleet root private key file (required)")
			fs.StringVar(&outPath, "out", "", "manifest output path (required)")
			fs.StringVar(&version, "manifest-version", "1", "manifest version string")
			return fs
		},
		Examples: []cli.Example{
			{
				Description: "Sign all templates under the fleet templates directory",
				Command:     "flotilla template sign ~/.local/share/flotilla/templates --key root.key --out manifest.json",
			},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one templates directory, got %d args", len(args))
			}
			if keyPath == "" || outPath == "" {
				return fmt.Errorf("--key and --out are required")
			}
			privateKey, err := readSigningKey(keyPath)
			if err != nil {
				return err
			}

			templatesDir := args[0]
			names, err := template.List(templatesDir)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				return fmt.Errorf("no templates found in %s", templatesDir)
			}

			entries := make(map[string]manifest.TemplateEntry, len(names))
			for _, name := range names {
				path := filepath.Join(templatesDir, name+".jsonc")
				checksum, err := manifest.TemplateChecksum(path)
				if err != nil {
					return err
				}
				entry := manifest.TemplateEntry{Checksum: checksum}
				if content, err := template.ReadFile(path); err == nil {
					entry.Description = content.Description
				}
				entries[name] = entry
			}

			signed, err := manifest.Sign(version, entries, privateKey)
			if err != nil {
				return err
			}
			if err := signed.WriteFile(outPath); err != nil {
				return err
			}
			fmt.Printf("signed %d templates into %s\n", len(entries), outPath)
			return nil
		},
	}
}

func templateApproveCommand() *cli.Command {
	var keyPath string

	return &cli.Command{
		Name:    "approve",
		Summary: "Produce a one-off approval signature for a template",
		Usage:   "flotilla template approve <name> <template-file> --key <file>",
		Description: `Sign a single template approval without re-issuing the manifest.

Prints a base64 signature over the template's name and current content
checksum. Pass it to 'flotilla agent create --approval' to create an
agent from a template the manifest does not pre-approve. The signature
binds to the exact file contents at approval time.`,
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("approve", pflag.ContinueOnError)
			fs.StringVar(&keyPath, "key", "", "approval authority private key file (required)")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <name> <template-file>, got %d args", len(args))
			}
			if keyPath == "" {
				return fmt.Errorf("--key is required")
			}
			privateKey, err := readSigningKey(keyPath)
			if err != nil {
				return err
			}
			checksum, err := manifest.TemplateChecksum(args[1])
			if err != nil {
				return err
			}
			signature := ed25519.Sign(privateKey, manifest.ApprovalMessage(args[0], checksum))
			fmt.Println(base64.StdEncoding.EncodeToString(signature))
			return nil
		},
	}
}

func templateKeygenCommand() *cli.Command {
	var outPath string

	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate a fleet signing keypair",
		Usage:   "flotilla template keygen --out <file>",
		Description: `Generate an Ed25519 signing keypair.

The private key is written base64-encoded to the output file with mode
0600. The public key is printed; put it in flotillad's configuration
as the approval authority key, or let 'template sign' embed it in the
manifest.`,
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			fs.StringVar(&outPath, "out", "", "private key output path (required)")
			return fs
		},
		Run: func(args []string) error {
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}
			publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generating keypair: %w", err)
			}
			encoded := base64.StdEncoding.EncodeToString(privateKey) + "\n"
			if err := writeNewFile(outPath, []byte(encoded), 0600); err != nil {
				return err
			}
			fmt.Printf("private key written to %s\n", outPath)
			fmt.Printf("public key: %s\n", base64.StdEncoding.EncodeToString(publicKey))
			return nil
		},
	}
}

// readSigningKey loads a base64-encoded Ed25519 private key as written
// by 'flotilla template keygen'.
func readSigningKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decoding signing key %s: %w", path, err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key %s: got %d bytes, want %d",
			path, len(decoded), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(decoded), nil
}

// writeNewFile refuses to overwrite an existing file. Key material
// should never be clobbered by a repeated keygen.
func writeNewFile(path string, data []byte, mode os.FileMode) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}
