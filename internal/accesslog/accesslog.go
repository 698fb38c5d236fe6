// Package accesslog emits the gateway's four structured log record kinds
// (access, auth, connect, disconnect) over logrus.
package accesslog

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Log is the access/auth/connection logging facility.
type Log struct {
	logger *logrus.Logger
}

// New builds a Log writing to path (or stdout if path is empty), gated at
// minLevel.
func New(path string, minLevel logrus.Level) (*Log, error) {
	logger := logrus.New()
	logger.SetLevel(minLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var out io.Writer = os.Stdout
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		out = f
	}
	logger.SetOutput(out)

	return &Log{logger: logger}, nil
}

// Access records the completion of a tunneled session, emitted once at
// teardown for every connection whose CONNECT request was parsed and so
// named a destination. A request rejected at the command or address-type
// byte gets no access record.
func (l *Log) Access(username, clientAddr, dest string, port uint16, lastStatus byte, bytesToOrigin, bytesFromOrigin uint64) {
	l.logger.WithFields(logrus.Fields{
		"kind":              "access",
		"user":              anonymousIfEmpty(username),
		"client":            clientAddr,
		"dest":              dest,
		"port":              port,
		"status":            lastStatus,
		"bytes_to_origin":   bytesToOrigin,
		"bytes_from_origin": bytesFromOrigin,
	}).Info("session closed")
}

// Auth records a username/password authentication attempt.
func (l *Log) Auth(clientAddr, username string, success bool) {
	l.logger.WithFields(logrus.Fields{
		"kind":    "auth",
		"client":  clientAddr,
		"user":    username,
		"success": success,
	}).Info("authentication attempt")
}

// Connection records an origin connect outcome.
func (l *Log) Connection(clientAddr, dest string, port uint16, status byte) {
	l.logger.WithFields(logrus.Fields{
		"kind":   "connect",
		"client": clientAddr,
		"dest":   dest,
		"port":   port,
		"status": status,
	}).Info("origin connect")
}

// Disconnection records a connection's teardown with its duration.
func (l *Log) Disconnection(clientAddr string, startedAt time.Time) {
	l.logger.WithFields(logrus.Fields{
		"kind":        "disconnect",
		"client":      clientAddr,
		"duration_ms": time.Since(startedAt).Milliseconds(),
	}).Info("connection closed")
}

func anonymousIfEmpty(username string) string {
	if username == "" {
		return "anonymous"
	}
	return username
}
