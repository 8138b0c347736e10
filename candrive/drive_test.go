package candrive

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"xdrive/kinematics"
	"xdrive/motion"
	"xdrive/odometry"
)

type fakeSocket struct {
	mu     sync.Mutex
	sent   []canbus.Frame
	recvCh chan canbus.Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{recvCh: make(chan canbus.Frame, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) Send(frame canbus.Frame) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, frame)
	return len(frame.Data), nil
}

func (s *fakeSocket) Recv() (canbus.Frame, error) {
	select {
	case f := <-s.recvCh:
		return f, nil
	case <-s.closed:
		return canbus.Frame{}, errors.New("socket closed")
	}
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) frames() []canbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]canbus.Frame(nil), s.sent...)
}

// lastWheelCommands returns the most recent frame sent to each wheel.
func (s *fakeSocket) lastWheelCommands() map[uint32]canbus.Frame {
	out := map[uint32]canbus.Frame{}
	for _, f := range s.frames() {
		for _, id := range wheelCanIDs {
			if f.ID == id {
				out[id] = f
			}
		}
	}
	return out
}

// frameRPM decodes the 12 bit speed that shares its high byte with the current
// limit.
func frameRPM(f canbus.Frame) int {
	raw := uint16(f.Data[1]) | uint16(f.Data[2]&0x0F)<<8
	if raw&0x800 != 0 {
		raw |= 0xF000
	}
	return int(int16(raw))
}

func newTestDrive(t *testing.T, cfg Config) (*Drive, *fakeSocket, *fakeSocket, *clock.Mock) {
	t.Helper()
	tx, rx := newFakeSocket(), newFakeSocket()
	clk := clock.NewMock()
	d := newDrive(cfg, tx, rx, nil, clk, logging.NewTestLogger(t))
	return d, tx, rx, clk
}

func le16(vals ...int16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func le32(vals ...int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
	}
	return out
}

func TestSignalExtract(t *testing.T) {
	data := le16(128, -256, 7, -1)
	test.That(t, wheelSpeedSig[wheelFL].extract(data), test.ShouldEqual, 1.0)
	test.That(t, wheelSpeedSig[wheelFR].extract(data), test.ShouldEqual, -2.0)
	test.That(t, wheelSpeedSig[wheelRR].extract(data), test.ShouldEqual, -0.0078125)

	ticks := le32(-123456, 987654)
	test.That(t, podLeftSig.extract(ticks), test.ShouldEqual, -123456.0)
	test.That(t, podRightSig.extract(ticks), test.ShouldEqual, 987654.0)

	soc := le16(875)
	test.That(t, stateOfChargeSig.extract(soc), test.ShouldAlmostEqual, 87.5)

	// unsigned values are never sign extended
	test.That(t, batteryVoltageSig.extract([]byte{0xFF, 0xFF}), test.ShouldAlmostEqual, 655.35)

	// unaligned nibble
	nibble := signal{scale: 1, start: 4, length: 8, littleEndian: true}
	test.That(t, nibble.extract([]byte{0xA0, 0x0B}), test.ShouldEqual, float64(0xBA))

	bigEndian := signal{scale: 1, start: 0, length: 16}
	test.That(t, bigEndian.extract([]byte{0x01, 0x02}), test.ShouldEqual, float64(0x0102))

	test.That(t, podRightSig.fits(make([]byte, 7)), test.ShouldBeFalse)
	test.That(t, podRightSig.fits(make([]byte, 8)), test.ShouldBeTrue)
}

func TestMecanumFrame(t *testing.T) {
	cmd := mecanumCommand{
		state:   mecanumStateEnable,
		mode:    mecanumModeRelative,
		rpm:     0x123,
		current: 5,
		encoder: 0x01020304,
	}
	f := cmd.toFrame(canIDMotorFR)
	test.That(t, f.ID, test.ShouldEqual, canIDMotorFR)
	test.That(t, f.Kind, test.ShouldEqual, canbus.EFF)
	test.That(t, f.Data, test.ShouldResemble, []byte{0x21, 0x23, 0x51, 0x00, 0x04, 0x03, 0x02, 0x01})
}

func TestWheelCommandBrakeModes(t *testing.T) {
	moving := wheelCommand(99.6, 5, motion.BrakeCoast)
	test.That(t, moving.state, test.ShouldEqual, mecanumStateEnable)
	test.That(t, moving.mode, test.ShouldEqual, mecanumModeSpeed)
	test.That(t, moving.rpm, test.ShouldEqual, int16(100))

	coast := wheelCommand(0, 5, motion.BrakeCoast)
	test.That(t, coast.state, test.ShouldEqual, mecanumStateDisable)

	brake := wheelCommand(0.2, 5, motion.BrakeBrake)
	test.That(t, brake.state, test.ShouldEqual, mecanumStateEnable)
	test.That(t, brake.mode, test.ShouldEqual, mecanumModeSpeed)
	test.That(t, brake.rpm, test.ShouldEqual, int16(0))

	hold := wheelCommand(0, 5, motion.BrakeHold)
	test.That(t, hold.state, test.ShouldEqual, mecanumStateEnable)
	test.That(t, hold.mode, test.ShouldEqual, mecanumModeRelative)
	test.That(t, hold.encoder, test.ShouldEqual, int32(0))
}

func TestSetWheelSpeeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InvertRight = true
	d, tx, _, _ := newTestDrive(t, cfg)
	defer d.Close(context.Background())

	ws := kinematics.WheelSpeeds{LF: 10, RF: 20, LR: -10, RR: 100}
	test.That(t, d.SetWheelSpeeds(context.Background(), ws, 2), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		last := tx.lastWheelCommands()
		test.That(tb, len(last), test.ShouldEqual, 4)
		test.That(tb, frameRPM(last[canIDMotorFL]), test.ShouldEqual, 20)
		test.That(tb, frameRPM(last[canIDMotorFR]), test.ShouldEqual, -40)
		test.That(tb, frameRPM(last[canIDMotorRL]), test.ShouldEqual, -20)
		// clamped to the rpm limit before inversion
		test.That(tb, frameRPM(last[canIDMotorRR]), test.ShouldEqual, -200)
	})
}

func TestHeartbeatAndCommsTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommsTimeout = 100 * time.Millisecond
	d, tx, _, clk := newTestDrive(t, cfg)
	defer d.Close(context.Background())

	test.That(t, d.SetBrakeMode(context.Background(), motion.BrakeBrake), test.ShouldBeNil)
	test.That(t, d.SetWheelSpeeds(context.Background(), kinematics.WheelSpeeds{LF: 50, RF: 50, LR: 50, RR: 50}, 1), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, frameRPM(tx.lastWheelCommands()[canIDMotorFL]), test.ShouldEqual, 50)
	})

	sentBefore := len(tx.frames())
	clk.Add(cfg.HeartbeatPeriod)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, len(tx.frames()), test.ShouldBeGreaterThan, sentBefore)
	})
	test.That(t, d.Telemetry().Get(TelemCommsTimeout), test.ShouldEqual, false)

	clk.Add(cfg.CommsTimeout)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		last := tx.lastWheelCommands()
		test.That(tb, frameRPM(last[canIDMotorFL]), test.ShouldEqual, 0)
		test.That(tb, last[canIDMotorFL].Data[0]&0x0F, test.ShouldEqual, mecanumStateEnable)
		test.That(tb, d.Telemetry().Get(TelemCommsTimeout), test.ShouldEqual, true)
	})
}

func TestReceiveTelemetry(t *testing.T) {
	d, _, rx, _ := newTestDrive(t, DefaultConfig())
	defer d.Close(context.Background())

	_, err := d.Ticks(context.Background())
	test.That(t, err, test.ShouldBeError, errNoPodData)

	rx.recvCh <- canbus.Frame{ID: canIDTelemWheelSpeed, Data: le16(128, 256, 384, 512)}
	rx.recvCh <- canbus.Frame{ID: canIDTelemWheelCurrent, Data: le16(100, 200, 300, 400)}
	rx.recvCh <- canbus.Frame{ID: canIDTelemPodSides, Data: le32(360, -720)}
	rx.recvCh <- canbus.Frame{ID: canIDTelemPodBack, Data: le32(42)}
	rx.recvCh <- canbus.Frame{ID: canIDTelemBatteryState, Data: le16(950)}
	rx.recvCh <- canbus.Frame{ID: canIDTelemBatteryPower, Data: le16(2410, -150)}

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		ticks, err := d.Ticks(context.Background())
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, ticks, test.ShouldResemble, odometry.Ticks{Left: 360, Right: -720, Back: 42})
		v, ok := d.Telemetry().Float(TelemBatteryCurrent)
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, v, test.ShouldAlmostEqual, -1.5)
	})

	store := d.Telemetry()
	speed, _ := store.Float(TelemSpeed)
	test.That(t, speed, test.ShouldAlmostEqual, 2.5)
	current, _ := store.Float(TelemWheelCurrent(wheelRR))
	test.That(t, current, test.ShouldAlmostEqual, 4.0)
	soc, _ := store.Float(TelemStateOfCharge)
	test.That(t, soc, test.ShouldAlmostEqual, 95.0)
	volts, _ := store.Float(TelemBatteryVoltage)
	test.That(t, volts, test.ShouldAlmostEqual, 24.1)
}

func TestStalling(t *testing.T) {
	d, _, rx, _ := newTestDrive(t, DefaultConfig())
	defer d.Close(context.Background())

	stalling, err := d.Stalling(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stalling, test.ShouldBeFalse)

	// high current while turning fast is not a stall
	rx.recvCh <- canbus.Frame{ID: canIDTelemWheelSpeed, Data: le16(128*50, 128*50, 128*50, 128*50)}
	rx.recvCh <- canbus.Frame{ID: canIDTelemWheelCurrent, Data: le16(480, 0, 0, 0)}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		_, ok := d.Telemetry().Float(TelemWheelCurrent(wheelFL))
		test.That(tb, ok, test.ShouldBeTrue)
	})
	stalling, err = d.Stalling(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stalling, test.ShouldBeFalse)

	rx.recvCh <- canbus.Frame{ID: canIDTelemWheelSpeed, Data: le16(128, 128*50, 128*50, 128*50)}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		stalling, err := d.Stalling(context.Background())
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, stalling, test.ShouldBeTrue)
	})
}

func TestResetTicks(t *testing.T) {
	d, tx, rx, _ := newTestDrive(t, DefaultConfig())
	defer d.Close(context.Background())

	rx.recvCh <- canbus.Frame{ID: canIDTelemPodSides, Data: le32(10, 20)}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		_, err := d.Ticks(context.Background())
		test.That(tb, err, test.ShouldBeNil)
	})

	test.That(t, d.ResetTicks(context.Background()), test.ShouldBeNil)
	ticks, err := d.Ticks(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ticks, test.ShouldResemble, odometry.Ticks{})

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		found := false
		for _, f := range tx.frames() {
			if f.ID == canIDPodReset {
				found = true
			}
		}
		test.That(tb, found, test.ShouldBeTrue)
	})
}

func TestClose(t *testing.T) {
	d, tx, _, _ := newTestDrive(t, DefaultConfig())
	test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	test.That(t, d.Close(context.Background()), test.ShouldBeNil)

	last := tx.lastWheelCommands()
	test.That(t, len(last), test.ShouldEqual, 4)
	for _, f := range last {
		test.That(t, f.Data[0]&0x0F, test.ShouldEqual, mecanumStateDisable)
	}

	err := d.SetWheelSpeeds(context.Background(), kinematics.WheelSpeeds{}, 1)
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
	err = d.ResetTicks(context.Background())
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
}
