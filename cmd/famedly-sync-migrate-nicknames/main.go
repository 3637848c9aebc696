// Command famedly-sync-migrate-nicknames is the legacy one-shot
// utility for re-encoding every IAM user's nickname from the old
// base64 external-ID scheme to the hex scheme this tool's engine
// expects (see spec.md §3's external_id_hex derivation).
//
// It is out of scope for this repository (see spec.md §1 "Out of
// scope") and is sketched here only as a separate binary: it prints
// "not implemented" and exits with status 1.
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "famedly-sync-migrate-nicknames: not implemented")
	os.Exit(1)
}
