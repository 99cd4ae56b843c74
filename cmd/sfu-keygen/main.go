// Command sfu-keygen generates a global signing key for the SFU and writes
// it with owner-only permissions, for use via SFU_KEY_FILE or, base64
// encoded, via SFU_KEY.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshcall/sfu/internal/cmdutil"
	"github.com/meshcall/sfu/internal/securefile"
	sfuversion "github.com/meshcall/sfu/internal/version"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const keyBytes = 32

type ready struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	KeyFile string `json:"key_file"`
	KeyB64  string `json:"key_b64"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false

	outDir := cmdutil.EnvString("SFU_KEYGEN_OUT_DIR", ".")
	keyFile := cmdutil.EnvString("SFU_KEYGEN_KEY_FILE", "")
	var overwrite bool

	fs := flag.NewFlagSet("sfu-keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&outDir, "out-dir", outDir, "output directory (env: SFU_KEYGEN_OUT_DIR)")
	fs.StringVar(&keyFile, "key-file", keyFile, "output file for the raw key (default: <out-dir>/sfu.key) (env: SFU_KEYGEN_KEY_FILE)")
	fs.BoolVar(&overwrite, "overwrite", false, "overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, sfuversion.String(version, commit, date))
		return 0
	}

	outDir = strings.TrimSpace(outDir)
	if outDir == "" {
		outDir = "."
	}
	keyFile = strings.TrimSpace(keyFile)
	if keyFile == "" {
		keyFile = filepath.Join(outDir, "sfu.key")
	}

	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(keyFile)); err != nil {
		fmt.Fprintf(stderr, "create output directory: %v\n", err)
		return 1
	}
	if err := cmdutil.RefuseOverwrite(keyFile, overwrite); err != nil {
		if cmdutil.IsUsage(err) {
			fmt.Fprintln(stderr, err)
			fs.Usage()
			return 2
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	key := make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(stderr, "generate key: %v\n", err)
		return 1
	}
	if err := securefile.WriteFileAtomic(keyFile, key, 0o600); err != nil {
		fmt.Fprintf(stderr, "write key file: %v\n", err)
		return 1
	}

	out := ready{
		Version: version,
		Commit:  commit,
		Date:    date,
		KeyFile: keyFile,
		KeyB64:  base64.StdEncoding.EncodeToString(key),
	}
	if err := cmdutil.WriteJSON(stdout, out, false); err != nil {
		fmt.Fprintf(stderr, "write output: %v\n", err)
		return 1
	}
	return 0
}
