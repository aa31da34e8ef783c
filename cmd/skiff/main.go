package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coveglabs/skiff/internal/chunkstore"
	"github.com/coveglabs/skiff/internal/crypto"
	"github.com/coveglabs/skiff/internal/gc"
	"github.com/coveglabs/skiff/internal/storage"
	"github.com/coveglabs/skiff/internal/swarm"
	"github.com/coveglabs/skiff/internal/tracker"
	"github.com/coveglabs/skiff/internal/transport"
	"github.com/coveglabs/skiff/internal/wire"
)

const gcInterval = time.Hour

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "share":
		cmdShare(os.Args[2:])
	case "get":
		cmdGet(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "seed":
		cmdSeed(os.Args[2:])
	case "delete":
		cmdDelete(os.Args[2:])
	case "list":
		cmdList()
	case "keygen":
		cmdKeygen(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: skiff <share|get|resume|seed|delete|list|keygen> [flags]")
	fmt.Println()
	fmt.Println("  share <path> --key <handle> [--scope user1,user2]")
	fmt.Println("  get <file-id> --chunks <n> --size <bytes> --checksum <hex> --key <handle> --out <path>")
	fmt.Println("  resume <file-id>")
	fmt.Println("  seed")
	fmt.Println("  delete <file-id>")
	fmt.Println("  list")
	fmt.Println("  keygen <handle>")
	fmt.Println()
	fmt.Println("Environment: SKIFF_TRACKER, SKIFF_USER, SKIFF_DEVICE, SKIFF_LISTEN, SKIFF_DATA_DIR")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func skiffDir() string {
	if dir := os.Getenv("SKIFF_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		fatalf("cannot determine home directory: %v", err)
	}
	return filepath.Join(home, ".skiff")
}

func deviceKey() wire.DeviceKey {
	user := os.Getenv("SKIFF_USER")
	device := os.Getenv("SKIFF_DEVICE")
	if user == "" || device == "" {
		fatalf("set SKIFF_USER and SKIFF_DEVICE environment variables")
	}
	return wire.DeviceKey{UserID: user, DeviceID: device}
}

func trackerURL() string {
	url := os.Getenv("SKIFF_TRACKER")
	if url == "" {
		fatalf("set SKIFF_TRACKER environment variable (e.g. ws://host:7420/ws)")
	}
	return url
}

func parseFlag(args []string, name string) string {
	flag := "--" + name
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, flag+"=") {
			return strings.TrimPrefix(arg, flag+"=")
		}
	}
	return ""
}

func parseIntFlag(args []string, name string) int64 {
	s := parseFlag(args, name)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fatalf("invalid --%s: %s", name, s)
	}
	return n
}

// fileKeyring resolves key handles against hex key files under the data
// directory. Key delivery itself happens out of band; this is only the local
// cache of delivered keys.
type fileKeyring struct {
	dir string
}

func (k fileKeyring) ResolveKey(handle string) ([]byte, error) {
	if handle == "" {
		return nil, fmt.Errorf("empty key handle")
	}
	data, err := os.ReadFile(filepath.Join(k.dir, handle+".key"))
	if err != nil {
		return nil, fmt.Errorf("key handle %q: %w", handle, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key handle %q: %w", handle, err)
	}
	if len(key) != crypto.KeyLen {
		return nil, fmt.Errorf("key handle %q: want %d bytes, got %d", handle, crypto.KeyLen, len(key))
	}
	return key, nil
}

// peersResolver maps device keys to dial addresses via peers.json in the data
// directory. Address discovery and NAT traversal are deployment concerns; the
// file is the operator's hook for them.
func peersResolver(dir string) transport.Resolver {
	path := filepath.Join(dir, "peers.json")
	return func(peer wire.DeviceKey) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("no peer address book at %s: %w", path, err)
		}
		var peers map[string]string
		if err := json.Unmarshal(data, &peers); err != nil {
			return "", fmt.Errorf("parse %s: %w", path, err)
		}
		addr, ok := peers[peer.String()]
		if !ok {
			return "", fmt.Errorf("no address for peer %s", peer)
		}
		return addr, nil
	}
}

// session holds everything a running command needs.
type session struct {
	self   wire.DeviceKey
	db     *storage.DB
	store  *chunkstore.Store
	client *tracker.Client
	trans  *transport.WS
	coord  *swarm.Coordinator
	gc     *gc.Collector
	cancel context.CancelFunc
	ctx    context.Context
}

func openSession() *session {
	dir := skiffDir()
	if err := os.MkdirAll(filepath.Join(dir, "keys"), 0700); err != nil {
		fatalf("creating data directory: %v", err)
	}

	self := deviceKey()

	db, err := storage.Open(filepath.Join(dir, "skiff.db"))
	if err != nil {
		fatalf("opening database: %v", err)
	}
	store, err := chunkstore.Open(filepath.Join(dir, "chunks.db"))
	if err != nil {
		fatalf("opening chunk store: %v", err)
	}

	trans := transport.NewWS(self, peersResolver(dir))
	listen := os.Getenv("SKIFF_LISTEN")
	if listen == "" {
		listen = "127.0.0.1:0"
	}
	if err := trans.Listen(listen); err != nil {
		fatalf("starting peer listener: %v", err)
	}

	client, err := tracker.Dial(trackerURL(), self)
	if err != nil {
		fatalf("connecting to tracker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	coord := swarm.New(self, swarm.DefaultConfig(), store, db, client, trans, fileKeyring{dir: filepath.Join(dir, "keys")})
	collector := gc.New(db, coord, client, coord.ReannounceLocal)

	s := &session{
		self:   self,
		db:     db,
		store:  store,
		client: client,
		trans:  trans,
		coord:  coord,
		gc:     collector,
		ctx:    ctx,
		cancel: cancel,
	}

	// Tracker pushes drive local cleanup.
	go func() {
		for n := range client.Notifications() {
			collector.HandleNotification(n.Type, n.Notification)
		}
	}()

	return s
}

func (s *session) close() {
	s.cancel()
	s.trans.Shutdown()
	s.client.Close()
	s.store.Close()
	s.db.Close()
}

func (s *session) waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
}

func cmdShare(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fatalf("usage: skiff share <path> --key <handle> [--scope user1,user2]")
	}
	path := args[0]
	keyHandle := parseFlag(args, "key")
	if keyHandle == "" {
		fatalf("--key <handle> is required")
	}

	s := openSession()
	defer s.close()

	scope := make(wire.ShareScope)
	scope[s.self.UserID] = true
	if raw := parseFlag(args, "scope"); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				scope[u] = true
			}
		}
	}

	summary, err := s.coord.ShareFile(path, scope, keyHandle)
	if err != nil {
		fatalf("sharing %s: %v", path, err)
	}

	fmt.Printf("Shared %s\n", path)
	fmt.Printf("  file ID:  %s\n", summary.FileID)
	fmt.Printf("  chunks:   %d\n", summary.ChunkCount)
	fmt.Printf("  peer addr: %s\n", s.trans.Addr())
	fmt.Println("Seeding until interrupted...")

	go s.gc.Run(s.ctx, gcInterval)
	s.waitForSignal()
}

func cmdGet(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fatalf("usage: skiff get <file-id> --chunks <n> --size <bytes> --checksum <hex> --key <handle> --out <path>")
	}
	req := swarm.DownloadRequest{
		FileID:        args[0],
		ChunkCount:    int(parseIntFlag(args, "chunks")),
		TotalSize:     parseIntFlag(args, "size"),
		Checksum:      parseFlag(args, "checksum"),
		FileKeyHandle: parseFlag(args, "key"),
		DestPath:      parseFlag(args, "out"),
	}
	if req.ChunkCount <= 0 || req.FileKeyHandle == "" || req.DestPath == "" {
		fatalf("--chunks, --key, and --out are required")
	}

	s := openSession()
	defer s.close()

	task, err := s.coord.StartDownload(s.ctx, req)
	if err != nil {
		fatalf("starting download: %v", err)
	}

	fmt.Printf("Downloading %s (%d chunks), peer addr %s\n", req.FileID, req.ChunkCount, s.trans.Addr())
	waitForTask(s, task, req.FileID)
}

func cmdResume(args []string) {
	if len(args) < 1 {
		fatalf("usage: skiff resume <file-id>")
	}
	fileID := args[0]

	s := openSession()
	defer s.close()

	task, err := s.coord.Resume(s.ctx, fileID)
	if err != nil {
		fatalf("resuming %s: %v", fileID, err)
	}
	st := task.Status()
	fmt.Printf("Resuming %s from %d/%d chunks\n", fileID, st.Completed, st.ChunkCount)
	waitForTask(s, task, fileID)
}

func waitForTask(s *session, task *swarm.DownloadTask, fileID string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-task.Done():
	case <-sigCh:
		fmt.Println("\nPausing download...")
		if err := s.coord.Pause(fileID); err != nil {
			fatalf("pausing: %v", err)
		}
		st := task.Status()
		fmt.Printf("Paused at %d/%d chunks. Run 'skiff resume %s' to continue.\n", st.Completed, st.ChunkCount, fileID)
		return
	}

	st := task.Status()
	if st.Err != nil {
		fatalf("download failed: %v", st.Err)
	}
	fmt.Printf("Download complete: %s\n", fileID)
}

// cmdSeed restores interrupted downloads, reconciles local holdings with the
// tracker, and serves chunks until interrupted.
func cmdSeed(args []string) {
	s := openSession()
	defer s.close()

	if err := s.gc.Reconcile(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: reconcile: %v\n", err)
	}
	if err := s.coord.RestoreTasks(s.ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: restore: %v\n", err)
	}
	go s.gc.Run(s.ctx, gcInterval)

	fmt.Printf("Seeding as %s, peer addr %s\n", s.self, s.trans.Addr())
	s.waitForSignal()
}

func cmdDelete(args []string) {
	if len(args) < 1 {
		fatalf("usage: skiff delete <file-id>")
	}
	fileID := args[0]

	s := openSession()
	defer s.close()

	if err := s.coord.DeleteShare(fileID); err != nil {
		fatalf("deleting %s: %v", fileID, err)
	}
	fmt.Printf("Deleted share %s\n", fileID)
}

func cmdList() {
	dir := skiffDir()
	db, err := storage.Open(filepath.Join(dir, "skiff.db"))
	if err != nil {
		fatalf("opening database: %v", err)
	}
	defer db.Close()

	files, err := db.ListLocalFiles()
	if err != nil {
		fatalf("listing files: %v", err)
	}
	if len(files) == 0 {
		fmt.Println("No local files.")
		return
	}
	for _, lf := range files {
		state := "partial"
		if lf.DownloadComplete {
			state = "complete"
		}
		fmt.Printf("%s  %8s  %d chunks  %s  last activity %s\n",
			lf.FileID, state, lf.ChunkCount, formatBytes(lf.TotalSize),
			time.Unix(lf.LastActivityAt, 0).Format(time.RFC3339))
	}
}

func cmdKeygen(args []string) {
	if len(args) < 1 {
		fatalf("usage: skiff keygen <handle>")
	}
	handle := args[0]

	dir := filepath.Join(skiffDir(), "keys")
	if err := os.MkdirAll(dir, 0700); err != nil {
		fatalf("creating key directory: %v", err)
	}
	path := filepath.Join(dir, handle+".key")
	if _, err := os.Stat(path); err == nil {
		fatalf("key %q already exists", handle)
	}

	key := make([]byte, crypto.KeyLen)
	if _, err := rand.Read(key); err != nil {
		fatalf("generating key: %v", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		fatalf("writing key: %v", err)
	}
	fmt.Printf("Generated key %q at %s\n", handle, path)
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
