// Package daemon wires the patch manager and transaction coordinator
// to the out-of-scope IPC transport (spec.md §1, §2.2): a
// net/rpc/jsonrpc server over a UNIX socket exposing one RPC receiver,
// PatchService, whose methods mirror the manage CLI's sub-commands.
package daemon

import (
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"

	"github.com/openeuler-mirror/syscare/internal/manager"
	"github.com/openeuler-mirror/syscare/internal/patch"
	"github.com/openeuler-mirror/syscare/internal/transaction"
)

// PatchService is the single RPC receiver the daemon registers. Every
// per-patch method takes a pattern (one identifier accepted per spec.md §6; the
// manage CLI fans out over multiple identifiers itself) and returns a
// composite-safe Reply.
type PatchService struct {
	Manager     *manager.Manager
	Coordinator *transaction.Coordinator
}

// ResultEntry mirrors transaction.Result over the wire: Err is carried
// as its message string rather than the error interface, since
// encoding/json (the net/rpc/jsonrpc wire format) cannot decode into a
// non-empty interface field on the client side.
type ResultEntry struct {
	UUID   string
	Status patch.Status
	Err    string
}

// Reply mirrors a transaction.Coordinator.Run outcome over the wire.
type Reply struct {
	Results []ResultEntry
}

func wireResults(results []transaction.Result) []ResultEntry {
	out := make([]ResultEntry, len(results))
	for i, r := range results {
		out[i] = ResultEntry{UUID: r.UUID, Status: r.Status}
		if r.Err != nil {
			out[i].Err = r.Err.Error()
		}
	}
	return out
}

// transition reports per-entity outcomes through reply.Results rather
// than through its own return value wherever possible: net/rpc's
// client discards the reply body whenever a method returns a non-nil
// error, so forwarding the coordinator's composite error here on every
// partial failure would throw away the very per-entity detail the
// manage CLI needs to print. The method error is reserved for the case
// where there was nothing to report at all (pattern matched no
// entity).
func (s *PatchService) transition(pattern string, target patch.Status, force bool, reply *Reply) error {
	results, err := s.Coordinator.Run(pattern, target, force)
	reply.Results = wireResults(results)
	if len(results) == 0 {
		return err
	}
	return nil
}

func (s *PatchService) Apply(args *Args, reply *Reply) error {
	return s.transition(args.Pattern, patch.Actived, args.Force, reply)
}

func (s *PatchService) Remove(args *Args, reply *Reply) error {
	return s.transition(args.Pattern, patch.NotApplied, args.Force, reply)
}

func (s *PatchService) Active(args *Args, reply *Reply) error {
	return s.transition(args.Pattern, patch.Actived, args.Force, reply)
}

func (s *PatchService) Deactive(args *Args, reply *Reply) error {
	return s.transition(args.Pattern, patch.Deactived, args.Force, reply)
}

func (s *PatchService) Accept(args *Args, reply *Reply) error {
	return s.transition(args.Pattern, patch.Accepted, args.Force, reply)
}

// Args is the common request shape for every mutating PatchService
// method.
type Args struct {
	Pattern string
	Force   bool
}

func (s *PatchService) Status(pattern string, reply *StatusReply) error {
	for _, uuid := range s.Manager.Match(pattern) {
		st, err := s.Manager.Status(uuid)
		if err != nil {
			return err
		}
		reply.Statuses = append(reply.Statuses, StatusEntry{UUID: uuid, Status: st})
	}
	return nil
}

// StatusReply answers a Status RPC.
type StatusReply struct {
	Statuses []StatusEntry
}

// StatusEntry pairs an entity UUID with its current status.
type StatusEntry struct {
	UUID   string
	Status patch.Status
}

func (s *PatchService) List(_ struct{}, reply *ListReply) error {
	reply.Patches = s.Manager.List()
	return nil
}

// ListReply answers a List RPC.
type ListReply struct {
	Patches []manager.Listing
}

// Check reports the UUID of every entity pattern matches. It does not
// run the drivers' Check (digest, target and dependency verification);
// each result carries no status and no error.
func (s *PatchService) Check(pattern string, reply *Reply) error {
	var results []ResultEntry
	for _, uuid := range s.Manager.Match(pattern) {
		results = append(results, ResultEntry{UUID: uuid})
	}
	reply.Results = results
	return nil
}

func (s *PatchService) Save(_ struct{}, _ *struct{}) error {
	return s.Manager.Save()
}

func (s *PatchService) Rescan(_ struct{}, _ *struct{}) error {
	return s.Manager.Scan()
}

func (s *PatchService) Restore(acceptedOnly bool, _ *struct{}) error {
	s.Manager.AcceptedOnly = acceptedOnly
	return s.Manager.Restore()
}

// Serve registers svc and serves net/rpc/jsonrpc connections accepted
// on socketPath until the listener is closed. The socket file is
// removed first if stale, matching the teacher's convention of
// cleaning up before binding (cmd/distri/fusehttp.go's listener setup).
func Serve(socketPath string, svc *PatchService) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer ln.Close()

	srv := rpc.NewServer()
	if err := srv.RegisterName("PatchService", svc); err != nil {
		return err
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go srv.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Dial connects to a running daemon's socket for use by the manage
// CLI.
func Dial(socketPath string) (*rpc.Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn)), nil
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}
