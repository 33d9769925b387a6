package haptic

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakePort struct {
	buf     bytes.Buffer
	failErr error
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.failErr != nil {
		return 0, p.failErr
	}
	return p.buf.Write(b)
}

func (p *fakePort) Drain() error { return nil }

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSend_WritesClampedByte(t *testing.T) {
	port := &fakePort{}
	d := New(Config{
		Port:    "/dev/ttyUSB0",
		Baud:    115200,
		Enabled: true,
		Logger:  testLogger(),
		Open: func(name string, baud int) (Port, error) {
			if name != "/dev/ttyUSB0" || baud != 115200 {
				t.Fatalf("open(%q, %d)", name, baud)
			}
			return port, nil
		},
	})

	for _, v := range []int{-5, 128, 999} {
		if !d.Send(v) {
			t.Fatalf("Send(%d) = false", v)
		}
	}
	if got := port.buf.Bytes(); !bytes.Equal(got, []byte{0, 128, 255}) {
		t.Fatalf("written=%v", got)
	}
	if d.LastIntensity() != 255 || !d.Connected() {
		t.Fatalf("last=%d connected=%v", d.LastIntensity(), d.Connected())
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !port.closed || port.buf.Bytes()[port.buf.Len()-1] != 0 {
		t.Fatalf("close did not stop the motor: %v closed=%v", port.buf.Bytes(), port.closed)
	}
}

func TestSend_SimulatedWhenPortMissing(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	opens := 0
	d := New(Config{
		Port:          "/dev/missing",
		Enabled:       true,
		RetryInterval: 5 * time.Second,
		Logger:        testLogger(),
		Now:           func() time.Time { return now },
		Open: func(string, int) (Port, error) {
			opens++
			return nil, errors.New("no such file")
		},
	})

	if d.Send(90) {
		t.Fatalf("Send reported success without a port")
	}
	if d.Send(91) {
		t.Fatalf("Send reported success without a port")
	}
	if opens != 1 {
		t.Fatalf("opens=%d, want 1 within the retry interval", opens)
	}
	if d.LastIntensity() != 91 {
		t.Fatalf("last=%d", d.LastIntensity())
	}

	now = now.Add(6 * time.Second)
	d.Send(92)
	if opens != 2 {
		t.Fatalf("opens=%d, want a retry after the interval", opens)
	}
}

func TestSend_WriteErrorDropsPort(t *testing.T) {
	port := &fakePort{failErr: errors.New("device unplugged")}
	d := New(Config{
		Port:    "/dev/ttyUSB0",
		Enabled: true,
		Logger:  testLogger(),
		Open:    func(string, int) (Port, error) { return port, nil },
	})

	if d.Send(40) {
		t.Fatalf("Send = true on write error")
	}
	if d.Connected() || !port.closed {
		t.Fatalf("connected=%v closed=%v", d.Connected(), port.closed)
	}
}

func TestSend_DisabledNeverOpens(t *testing.T) {
	d := New(Config{
		Port:    "/dev/ttyUSB0",
		Enabled: false,
		Logger:  testLogger(),
		Open: func(string, int) (Port, error) {
			t.Fatalf("open called while disabled")
			return nil, nil
		},
	})
	if d.Send(200) || d.Connect() {
		t.Fatalf("disabled dispatcher reported success")
	}
	if d.LastIntensity() != 200 {
		t.Fatalf("last=%d", d.LastIntensity())
	}
}
