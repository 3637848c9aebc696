// Command famedly-sync-install-ids is a one-shot bootstrap tool for
// seeding nicknames (the external_id_hex values the sync engine keys
// on) onto a pre-existing Zitadel instance that predates this tool,
// so that the first real sync run has something to match against
// instead of treating every IAM user as unmanaged.
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
	fmt.Fprintln(os.Stderr, "famedly-sync-install-ids: not implemented")
	os.Exit(1)
}
