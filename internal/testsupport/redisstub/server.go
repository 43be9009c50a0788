// Package redisstub is a minimal RESP server covering the commands issued by
// the upload lock and the rate limit store. It is not a general Redis
// replacement.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu     sync.Mutex
	kv     map[string]*entry
	calls  map[string]int
	closed chan struct{}
}

type entry struct {
	value  string
	expiry time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*entry),
		calls:    make(map[string]int),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Calls reports how many times a command was received.
func (s *Server) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToUpper(cmd)]
}

// Value returns the live value stored at key.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return "", false
	}
	return e.value, true
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR empty command") != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.calls[cmd]++
		s.mu.Unlock()

		var werr error
		switch cmd {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, cmd, args[1:])
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "SET":
		return s.set(w, args)
	case "GET":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'get'")
		}
		s.mu.Lock()
		e, ok := s.lookup(args[0])
		s.mu.Unlock()
		if !ok {
			return writeBulkNil(w)
		}
		return writeBulkString(w, e.value)
	case "DEL":
		removed := 0
		s.mu.Lock()
		for _, key := range args {
			if _, ok := s.lookup(key); ok {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(w, int64(removed))
	case "INCR":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		e, ok := s.lookup(args[0])
		if !ok {
			e = &entry{value: "0"}
			s.kv[args[0]] = e
		}
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			s.mu.Unlock()
			return writeError(w, "ERR value is not an integer or out of range")
		}
		n++
		e.value = strconv.FormatInt(n, 10)
		s.mu.Unlock()
		return writeInteger(w, n)
	case "EXPIRE":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		e, ok := s.lookup(args[0])
		if ok {
			e.expiry = time.Now().Add(time.Duration(seconds) * time.Second)
		}
		s.mu.Unlock()
		if !ok {
			return writeInteger(w, 0)
		}
		return writeInteger(w, 1)
	case "TTL":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'ttl'")
		}
		s.mu.Lock()
		e, ok := s.lookup(args[0])
		s.mu.Unlock()
		switch {
		case !ok:
			return writeInteger(w, -2)
		case e.expiry.IsZero():
			return writeInteger(w, -1)
		default:
			return writeInteger(w, int64(time.Until(e.expiry)/time.Second))
		}
	case "EVALSHA":
		return writeError(w, "NOSCRIPT No matching script. Please use EVAL.")
	case "EVAL":
		if len(args) > 0 && strings.Contains(args[0], "PEXPIRE") {
			return s.compareAndExpire(w, args)
		}
		return s.compareAndDelete(w, args)
	default:
		// Unknown commands (HELLO included) get an error and the
		// connection stays usable.
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

// set handles SET key value [NX] [EX seconds|PX milliseconds].
func (s *Server) set(w *bufio.Writer, args []string) error {
	if len(args) < 2 {
		return writeError(w, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[0], args[1]
	nx := false
	var ttl time.Duration
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(w, "ERR invalid expire time in 'set' command")
			}
			if strings.ToUpper(args[i]) == "EX" {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		default:
			return writeError(w, "ERR syntax error")
		}
	}

	s.mu.Lock()
	if _, exists := s.lookup(key); exists && nx {
		s.mu.Unlock()
		return writeBulkNil(w)
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = e
	s.mu.Unlock()
	return writeSimpleString(w, "OK")
}

// compareAndDelete interprets an EVAL as "delete KEYS[1] when it holds
// ARGV[1]", the script the lock release sends.
func (s *Server) compareAndDelete(w *bufio.Writer, args []string) error {
	if len(args) < 4 {
		return writeError(w, "ERR wrong number of arguments for 'eval'")
	}
	numKeys, err := strconv.Atoi(args[1])
	if err != nil || numKeys != 1 {
		return writeError(w, "ERR stub supports exactly one key")
	}
	key, token := args[2], args[3]
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != token {
		return writeInteger(w, 0)
	}
	delete(s.kv, key)
	return writeInteger(w, 1)
}

// compareAndExpire interprets an EVAL mentioning PEXPIRE as "set the expiry
// of KEYS[1] to ARGV[2] milliseconds when it holds ARGV[1]", the lock refresh.
func (s *Server) compareAndExpire(w *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(w, "ERR wrong number of arguments for 'eval'")
	}
	numKeys, err := strconv.Atoi(args[1])
	if err != nil || numKeys != 1 {
		return writeError(w, "ERR stub supports exactly one key")
	}
	ms, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil || ms <= 0 {
		return writeError(w, "ERR invalid expire time")
	}
	key, token := args[2], args[3]
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != token {
		return writeInteger(w, 0)
	}
	e.expiry = time.Now().Add(time.Duration(ms) * time.Millisecond)
	return writeInteger(w, 1)
}

// lookup must be called with s.mu held.
func (s *Server) lookup(key string) (*entry, bool) {
	e, ok := s.kv[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.kv, key)
		return nil, false
	}
	return e, true
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
