// Command syscare is the manage CLI: a thin flag-based dispatcher
// (teacher's cmd/distri/distri.go subcommand-dispatch shape) that
// dials syscared's socket and calls its PatchService RPC methods
// (spec.md §6 "CLI surface (manage)").
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/openeuler-mirror/syscare/internal/daemon"
)

var socketPath = flag.String("socket", "/run/syscare/syscare.sock", "UNIX socket syscared listens on")

const usage = `syscare [-socket path] <command> [args]

Commands:
  status <id>...            show the current status of one or more patches
  list                       list every registered patch
  check <id>...              list the patches an identifier matches (no verification)
  apply [--force] <id>...    apply (load+activate) a patch
  remove <id>...             remove a patch
  active [--force] <id>...   activate a loaded patch
  deactive <id>...           deactivate an active patch
  accept <id>...             accept an active patch
  save                       persist the current status map
  rescan                     rescan the install directory
  restore [--accepted]       restore patches from the persisted status map
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client, err := daemon.Dial(*socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syscare: connecting to %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	defer client.Close()

	cmd, rest := args[0], args[1:]
	force := false
	if len(rest) > 0 && rest[0] == "--force" {
		force = true
		rest = rest[1:]
	}
	acceptedOnly := false
	if len(rest) > 0 && rest[0] == "--accepted" {
		acceptedOnly = true
		rest = rest[1:]
	}

	var failed bool
	switch cmd {
	case "status":
		for _, id := range rest {
			var reply daemon.StatusReply
			if err := client.Call("PatchService.Status", id, &reply); err != nil {
				fmt.Fprintf(os.Stderr, "syscare: status %s: %v\n", id, err)
				failed = true
				continue
			}
			for _, s := range reply.Statuses {
				fmt.Printf("%s\t%s\n", s.UUID, s.Status)
			}
		}
	case "list":
		var reply daemon.ListReply
		if err := client.Call("PatchService.List", struct{}{}, &reply); err != nil {
			fmt.Fprintf(os.Stderr, "syscare: list: %v\n", err)
			os.Exit(1)
		}
		for _, p := range reply.Patches {
			fmt.Printf("%s\t%s\t%s\n", p.UUID, p.Info.QualifiedName(), p.Status)
		}
	case "check":
		failed = runEach(client, "PatchService.Check", rest, false)
	case "apply":
		failed = runEach(client, "PatchService.Apply", rest, force)
	case "remove":
		failed = runEach(client, "PatchService.Remove", rest, force)
	case "active":
		failed = runEach(client, "PatchService.Active", rest, force)
	case "deactive":
		failed = runEach(client, "PatchService.Deactive", rest, force)
	case "accept":
		failed = runEach(client, "PatchService.Accept", rest, force)
	case "save":
		if err := client.Call("PatchService.Save", struct{}{}, new(struct{})); err != nil {
			fmt.Fprintf(os.Stderr, "syscare: save: %v\n", err)
			failed = true
		}
	case "rescan":
		if err := client.Call("PatchService.Rescan", struct{}{}, new(struct{})); err != nil {
			fmt.Fprintf(os.Stderr, "syscare: rescan: %v\n", err)
			failed = true
		}
	case "restore":
		if err := client.Call("PatchService.Restore", acceptedOnly, new(struct{})); err != nil {
			fmt.Fprintf(os.Stderr, "syscare: restore: %v\n", err)
			failed = true
		}
	default:
		flag.Usage()
		os.Exit(2)
	}

	if failed {
		os.Exit(1)
	}
}

// runEach issues one RPC call per identifier (spec.md §6: "Each
// operation taking identifiers accepts one or more; exit 0 if and only
// if every identifier succeeded, otherwise a composite error is
// rendered").
func runEach(client rpcCaller, method string, ids []string, force bool) bool {
	var failed bool
	for _, id := range ids {
		var reply daemon.Reply
		err := client.Call(method, &daemon.Args{Pattern: id, Force: force}, &reply)
		for _, r := range reply.Results {
			status := "ok"
			if r.Err != "" {
				status = r.Err
				failed = true
			}
			fmt.Printf("%s\t%s\t%s\n", r.UUID, r.Status, status)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "syscare: %s %s: %v\n", method, id, err)
			failed = true
		}
	}
	return failed
}

// rpcCaller is the subset of *rpc.Client used here, so tests can stub it.
type rpcCaller interface {
	Call(serviceMethod string, args, reply interface{}) error
}
