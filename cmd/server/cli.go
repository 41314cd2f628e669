package main

import (
	"encoding/json"
	"fmt"
	"os"

	"voicecraft/internal/store"
)

// RunCLI handles administrative subcommands that operate directly on the
// SQLite store without starting the relay. Returns true if a subcommand was
// handled, grounded on server/cli.go's RunCLI dispatch shape.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("voicecraft server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "properties":
		return cliProperties(args[1:], dbPath)
	case "bans":
		return cliBans(args[1:], dbPath)
	default:
		return false
	}
}

func openStoreOrExit(dbPath string) *store.Store {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	props, err := st.GetServerProperties(store.ServerProperties{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Motd: %s\n", props.Motd)
	fmt.Printf("MaxClients: %d\n", props.MaxClients)
	fmt.Printf("PositioningType: %s\n", props.PositioningType)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliProperties(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "get" {
		props, err := st.GetServerProperties(store.ServerProperties{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(props, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		props, err := st.GetServerProperties(store.ServerProperties{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		switch key {
		case "motd":
			props.Motd = value
		case "positioning_type":
			props.PositioningType = value
		case "language":
			props.Language = value
		case "port":
			var v uint16
			fmt.Sscanf(value, "%d", &v)
			props.Port = v
		case "max_clients":
			var v uint16
			fmt.Sscanf(value, "%d", &v)
			props.MaxClients = v
		default:
			fmt.Fprintf(os.Stderr, "unknown property %q\n", key)
			os.Exit(1)
		}
		if err := st.SetServerProperties(props); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server properties [get|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliBans(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		bans, err := st.GetBans()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(bans) == 0 {
			fmt.Println("No bans.")
			return true
		}
		for _, b := range bans {
			target := b.Pubkey
			if target == "" {
				target = b.IP
			}
			fmt.Printf("  [%d] %s: %s (by %s)\n", b.ID, target, b.Reason, b.BannedBy)
		}
		return true
	}

	if args[0] == "remove" && len(args) > 1 {
		var id int64
		fmt.Sscanf(args[1], "%d", &id)
		if err := st.DeleteBan(id); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed ban %d\n", id)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server bans [list|remove <id>]\n")
	os.Exit(1)
	return true
}
