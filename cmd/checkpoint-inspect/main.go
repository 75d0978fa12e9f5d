// Command checkpoint-inspect is a diagnostic tool for a pdsmigrate session
// store: it prints the stored MigrationProgress flags and pending PLC
// operation for a DID, and can clear progress to force a migration to
// restart from checkAccountStatus-derived state instead of its stored
// checkpoint.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
	"github.com/atmove/pdsmigrate/pkg/session"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/pdsmigrate", "pdsmigrate data directory")
	passphrase = flag.String("passphrase", "", "session store passphrase (only needed to inspect sessions/plc_ops, not progress)")
	did        = flag.String("did", "", "DID to inspect or reset")
	reset      = flag.Bool("reset", false, "clear stored progress for --did, forcing the next run to re-derive its checkpoint from checkAccountStatus")
	backupPath = flag.String("backup", "", "path to back up session.db before a --reset (default: <data-dir>/session.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *did == "" {
		log.Fatal("--did is required")
	}

	dbPath := filepath.Join(*dataDir, "session.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("session database not found at %s", dbPath)
	}

	if *reset {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("backing up %s to %s", dbPath, backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to back up session database: %v", err)
		}
	}

	key := make([]byte, 32)
	if *passphrase != "" {
		key = session.DeriveKey(*passphrase)
	}

	store, err := session.Open(*dataDir, key)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer store.Close()

	d := pdstypes.DID(*did)

	if *reset {
		if err := store.PutProgress(d, pdstypes.MigrationProgress{}); err != nil {
			log.Fatalf("failed to clear progress: %v", err)
		}
		log.Printf("cleared stored progress for %s", *did)
		return
	}

	prog, ok, err := store.GetProgress(d)
	if err != nil {
		log.Fatalf("failed to read progress: %v", err)
	}
	if !ok {
		fmt.Println("no migration progress on record for this DID")
	} else {
		fmt.Printf("progress: %+v\n", prog)
	}

	if *passphrase != "" {
		if _, ok, err := store.Get(pdstypes.SlotOld); err == nil {
			fmt.Printf("old session present: %v\n", ok)
		}
		if _, ok, err := store.Get(pdstypes.SlotNew); err == nil {
			fmt.Printf("new session present: %v\n", ok)
		}
		if _, ok, err := store.GetPendingPlcOp(d); err == nil {
			fmt.Printf("pending plc operation present: %v\n", ok)
		}
	} else {
		fmt.Println("pass --passphrase to also inspect session and pending-plc-op state")
	}

	// report raw bucket key counts directly, as a sanity check independent
	// of the decoding path above.
	dbReadOnly, err := bolt.Open(dbPath, 0o400, &bolt.Options{ReadOnly: true})
	if err != nil {
		return
	}
	defer dbReadOnly.Close()
	dbReadOnly.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			fmt.Printf("bucket %q: %d keys\n", name, b.Stats().KeyN)
			return nil
		})
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
