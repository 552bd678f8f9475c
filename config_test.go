package wsys

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/glycerine/wsys/wire"
)

func Test000_config_from_yaml_and_env(t *testing.T) {

	cv.Convey("LoadConfig expands $VARS, then WSYS_* overrides win, then defaults fill the rest", t, func() {
		dir := t.TempDir()
		t.Setenv("WSYS_TEST_DIR", dir)
		t.Setenv("WSYS_CALL_TIMEOUT", "3s")
		t.Setenv("WSYS_SERVER_PID", "")
		t.Setenv("WSYS_SOCKET", "")
		t.Setenv("WSYS_MAX_PACKET", "")
		t.Setenv("WSYS_SOCKET_DIR", "")

		path := filepath.Join(dir, "wsys.yaml")
		yml := `
socket_dir: $WSYS_TEST_DIR/run
server_pid: 4242
call_timeout: 1s
log:
  level: warn
`
		panicOn(os.WriteFile(path, []byte(yml), 0644))

		cfg, err := LoadConfig(path)
		panicOn(err)
		cv.So(cfg.SocketDir, cv.ShouldEqual, filepath.Join(dir, "run"))
		cv.So(cfg.CallTimeout, cv.ShouldEqual, 3*time.Second)
		cv.So(cfg.MaxPacket, cv.ShouldEqual, wire.DefaultMaxPacket)
		cv.So(cfg.ReadChunk, cv.ShouldEqual, 64<<10)
		cv.So(cfg.Log.Level, cv.ShouldEqual, "warn")

		p, err := cfg.ClientSocketPath()
		panicOn(err)
		cv.So(p, cv.ShouldEqual, filepath.Join(dir, "run", "wsys-4242"))
		cv.So(cfg.ServerSocketPath(), cv.ShouldEqual, cfg.SocketPathFor(os.Getpid()))
	})

	cv.Convey("a client with neither a path nor a pid cannot dial, and tiny packets are rejected", t, func() {
		t.Setenv("WSYS_SERVER_PID", "")
		t.Setenv("WSYS_SOCKET", "")
		t.Setenv("WSYS_MAX_PACKET", "8")
		_, err := ConfigFromEnv()
		cv.So(err, cv.ShouldNotBeNil)

		t.Setenv("WSYS_MAX_PACKET", "")
		cfg, err := ConfigFromEnv()
		panicOn(err)
		_, err = cfg.ClientSocketPath()
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test001_logger_levels(t *testing.T) {

	cv.Convey("the logger drops events below the configured level", t, func() {
		var buf bytes.Buffer
		log := newLoggerTo(&buf, LogConfig{Level: "warn"})
		log.Info().Msg("quiet")
		log.Warn().Str("reason", "unknown to").Msg("dropping message")
		out := buf.String()
		cv.So(strings.Contains(out, "quiet"), cv.ShouldBeFalse)
		cv.So(strings.Contains(out, `"reason":"unknown to"`), cv.ShouldBeTrue)

		buf.Reset()
		log = newLoggerTo(&buf, LogConfig{Level: "bogus"})
		log.Info().Msg("loud")
		cv.So(strings.Contains(buf.String(), "loud"), cv.ShouldBeTrue)
	})
}
