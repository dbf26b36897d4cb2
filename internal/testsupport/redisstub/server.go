// Package redisstub runs a tiny in-process RESP2 server that understands the
// sorted-set and transaction commands used by the admission store.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	zsets    map[string]map[string]float64
	expiry   map[string]time.Time
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type simpleString string

type redisError string

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		zsets:  make(map[string]map[string]float64),
		expiry: make(map[string]time.Time),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Keys lists the sorted-set keys currently held.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.zsets))
	for key := range s.zsets {
		if s.expiredLocked(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Card returns the member count of a sorted set.
func (s *Server) Card(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return 0
	}
	return len(s.zsets[key])
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
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
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
	var (
		inMulti bool
		queued  [][]string
	)
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeReply(writer, redisError("ERR wrong number of arguments")) != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		var reply interface{}
		switch {
		case cmd == "AUTH":
			reply, authenticated = s.auth(args, authenticated)
		case cmd == "HELLO":
			reply = redisError("ERR unknown command 'HELLO'")
		case !authenticated:
			reply = redisError("NOAUTH Authentication required.")
		case cmd == "MULTI":
			if inMulti {
				reply = redisError("ERR MULTI calls can not be nested")
				break
			}
			inMulti = true
			queued = queued[:0]
			reply = simpleString("OK")
		case cmd == "DISCARD":
			inMulti = false
			queued = queued[:0]
			reply = simpleString("OK")
		case cmd == "EXEC":
			if !inMulti {
				reply = redisError("ERR EXEC without MULTI")
				break
			}
			inMulti = false
			s.mu.Lock()
			results := make([]interface{}, 0, len(queued))
			for _, q := range queued {
				results = append(results, s.executeLocked(q))
			}
			s.mu.Unlock()
			queued = queued[:0]
			reply = results
		case inMulti:
			queued = append(queued, args)
			reply = simpleString("QUEUED")
		default:
			s.mu.Lock()
			reply = s.executeLocked(args)
			s.mu.Unlock()
		}
		if err := writeReply(writer, reply); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) auth(args []string, current bool) (interface{}, bool) {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return redisError("ERR wrong number of arguments for 'auth'"), current
	}
	if s.opts.Password == "" || password == s.opts.Password {
		return simpleString("OK"), true
	}
	return redisError("WRONGPASS invalid username-password pair"), current
}

func (s *Server) executeLocked(args []string) interface{} {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "PING":
		return simpleString("PONG")
	case "SELECT", "CLIENT":
		return simpleString("OK")
	case "ZADD":
		if len(args) < 4 || len(args)%2 != 0 {
			return redisError("ERR wrong number of arguments for 'zadd'")
		}
		set := s.zsetLocked(args[1], true)
		added := int64(0)
		for i := 2; i+1 < len(args); i += 2 {
			score, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return redisError("ERR value is not a valid float")
			}
			if _, exists := set[args[i+1]]; !exists {
				added++
			}
			set[args[i+1]] = score
		}
		return added
	case "ZREM":
		if len(args) < 3 {
			return redisError("ERR wrong number of arguments for 'zrem'")
		}
		set := s.zsetLocked(args[1], false)
		removed := int64(0)
		for _, member := range args[2:] {
			if _, ok := set[member]; ok {
				delete(set, member)
				removed++
			}
		}
		s.dropEmptyLocked(args[1])
		return removed
	case "ZREMRANGEBYSCORE":
		if len(args) != 4 {
			return redisError("ERR wrong number of arguments for 'zremrangebyscore'")
		}
		lo, loExcl, err := parseBound(args[2])
		if err != nil {
			return redisError("ERR min or max is not a float")
		}
		hi, hiExcl, err := parseBound(args[3])
		if err != nil {
			return redisError("ERR min or max is not a float")
		}
		set := s.zsetLocked(args[1], false)
		removed := int64(0)
		for member, score := range set {
			if inRange(score, lo, loExcl, hi, hiExcl) {
				delete(set, member)
				removed++
			}
		}
		s.dropEmptyLocked(args[1])
		return removed
	case "ZCARD":
		if len(args) != 2 {
			return redisError("ERR wrong number of arguments for 'zcard'")
		}
		return int64(len(s.zsetLocked(args[1], false)))
	case "ZRANGE":
		return s.zrangeLocked(args)
	case "PEXPIRE":
		if len(args) != 3 {
			return redisError("ERR wrong number of arguments for 'pexpire'")
		}
		ms, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return redisError("ERR value is not an integer or out of range")
		}
		if _, ok := s.zsets[args[1]]; !ok || s.expiredLocked(args[1]) {
			return int64(0)
		}
		s.expiry[args[1]] = time.Now().Add(time.Duration(ms) * time.Millisecond)
		return int64(1)
	case "PTTL":
		if len(args) != 2 {
			return redisError("ERR wrong number of arguments for 'pttl'")
		}
		if _, ok := s.zsets[args[1]]; !ok || s.expiredLocked(args[1]) {
			return int64(-2)
		}
		deadline, ok := s.expiry[args[1]]
		if !ok {
			return int64(-1)
		}
		return int64(time.Until(deadline) / time.Millisecond)
	default:
		return redisError(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) zrangeLocked(args []string) interface{} {
	if len(args) < 4 {
		return redisError("ERR wrong number of arguments for 'zrange'")
	}
	start, err1 := strconv.Atoi(args[2])
	stop, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil {
		return redisError("ERR value is not an integer or out of range")
	}
	withScores := len(args) == 5 && strings.EqualFold(args[4], "WITHSCORES")

	set := s.zsetLocked(args[1], false)
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		if set[members[i]] != set[members[j]] {
			return set[members[i]] < set[members[j]]
		}
		return members[i] < members[j]
	})

	n := len(members)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	out := []interface{}{}
	for i := start; i <= stop && i < n; i++ {
		out = append(out, members[i])
		if withScores {
			out = append(out, strconv.FormatFloat(set[members[i]], 'f', -1, 64))
		}
	}
	return out
}

func (s *Server) zsetLocked(key string, create bool) map[string]float64 {
	if s.expiredLocked(key) {
		delete(s.zsets, key)
		delete(s.expiry, key)
	}
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		if create {
			s.zsets[key] = set
		}
	}
	return set
}

func (s *Server) dropEmptyLocked(key string) {
	if set, ok := s.zsets[key]; ok && len(set) == 0 {
		delete(s.zsets, key)
		delete(s.expiry, key)
	}
}

func (s *Server) expiredLocked(key string) bool {
	deadline, ok := s.expiry[key]
	return ok && time.Now().After(deadline)
}

func parseBound(raw string) (float64, bool, error) {
	exclusive := strings.HasPrefix(raw, "(")
	raw = strings.TrimPrefix(raw, "(")
	switch strings.ToLower(raw) {
	case "-inf":
		return math.Inf(-1), exclusive, nil
	case "+inf", "inf":
		return math.Inf(1), exclusive, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	return value, exclusive, err
}

func inRange(score, lo float64, loExcl bool, hi float64, hiExcl bool) bool {
	if loExcl && score <= lo || !loExcl && score < lo {
		return false
	}
	if hiExcl && score >= hi || !hiExcl && score > hi {
		return false
	}
	return true
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
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
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
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

func writeReply(w *bufio.Writer, reply interface{}) error {
	var err error
	switch v := reply.(type) {
	case nil:
		_, err = w.WriteString("$-1\r\n")
	case simpleString:
		_, err = fmt.Fprintf(w, "+%s\r\n", string(v))
	case redisError:
		_, err = fmt.Fprintf(w, "-%s\r\n", string(v))
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case string:
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case []interface{}:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err = writeReply(w, item); err != nil {
				return err
			}
		}
	default:
		s := fmt.Sprint(v)
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
	}
	return err
}
