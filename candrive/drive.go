// Package candrive drives the four wheel controllers and reads the
// tracking-wheel pod over a CAN bus.
package candrive

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
	"golang.org/x/sys/unix"

	"xdrive/kinematics"
	"xdrive/motion"
	"xdrive/odometry"
	"xdrive/telemetry"
)

var (
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("can drive is closed")

	errNoPodData = errors.New("no tracking wheel data received yet")
)

// Telemetry keys written by the receiver.
const (
	TelemSpeed          = "speed"
	TelemBatteryVoltage = "battery_voltage"
	TelemBatteryCurrent = "battery_current"
	TelemStateOfCharge  = "state_of_charge"
	TelemBrakeMode      = "brake_mode"
	TelemCommsTimeout   = "comms_timeout"
)

// TelemWheelSpeed is the telemetry key of a wheel speed in rpm.
func TelemWheelSpeed(wheel int) string {
	return "wheel_speed_" + wheelNames[wheel]
}

// TelemWheelCurrent is the telemetry key of a wheel current in amps.
func TelemWheelCurrent(wheel int) string {
	return "wheel_current_" + wheelNames[wheel]
}

// TelemetryDefaults are the values reported before the first frames arrive.
func TelemetryDefaults() map[string]interface{} {
	return map[string]interface{}{
		TelemBatteryVoltage: float64(-1),
		TelemStateOfCharge:  float64(-1),
		TelemBrakeMode:      motion.BrakeCoast.String(),
		TelemCommsTimeout:   false,
	}
}

// Config holds the bus settings and motor limits.
type Config struct {
	Channel string `json:"channel"`
	// HeartbeatPeriod is how often the last wheel command is resent.
	HeartbeatPeriod time.Duration `json:"heartbeat_period"`
	// CommsTimeout stops the wheels when no new wheel command arrives in time.
	// Zero disables it.
	CommsTimeout time.Duration `json:"comms_timeout"`
	MaxRPM       float64       `json:"max_rpm"`
	MaxCurrent   float64       `json:"max_current"`
	// A wheel drawing more than StallCurrent amps while turning slower than
	// StallSpeed rpm is stalling.
	StallCurrent float64 `json:"stall_current"`
	StallSpeed   float64 `json:"stall_speed"`
	InvertLeft   bool    `json:"invert_left"`
	InvertRight  bool    `json:"invert_right"`
}

// DefaultConfig returns the settings of the stock drivetrain.
func DefaultConfig() Config {
	return Config{
		Channel:         "can0",
		HeartbeatPeriod: 10 * time.Millisecond,
		CommsTimeout:    time.Second,
		MaxRPM:          odometry.DefaultMaxRPM,
		MaxCurrent:      5,
		StallCurrent:    4.5,
		StallSpeed:      10,
	}
}

// frameSocket is the part of a CAN socket the drive uses.
type frameSocket interface {
	Send(frame canbus.Frame) (int, error)
	Recv() (canbus.Frame, error)
	Close() error
}

// command is a set of frames for the publisher. Wheel commands replace the
// heartbeat frames, anything else is sent once.
type command struct {
	frames []canbus.Frame
	wheels bool
}

// Drive implements motion.Drive and odometry.TrackingWheels on a CAN bus.
type Drive struct {
	cfg    Config
	tx     frameSocket
	rx     frameSocket
	store  *telemetry.Store
	clk    clock.Clock
	logger logging.Logger

	nextCommandCh chan command
	closing       chan struct{}
	closeOnce     sync.Once
	brakeMode     atomic.Int32

	podMu   sync.Mutex
	ticks   odometry.Ticks
	havePod bool

	activeBackgroundWorkers sync.WaitGroup
	cancel                  func()
}

// New opens the CAN channel in cfg and starts the publish and receive
// threads. store may be shared with other components.
func New(cfg Config, store *telemetry.Store, logger logging.Logger) (*Drive, error) {
	socketSend, err := canbus.New()
	if err != nil {
		return nil, errors.Wrap(err, "could not open CAN send socket")
	}
	if err := socketSend.Bind(cfg.Channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "could not bind %s", cfg.Channel), socketSend.Close())
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "could not open CAN receive socket"), socketSend.Close())
	}
	err = socketRecv.SetFilters([]unix.CanFilter{
		{Id: canIDTelemWheelSpeed, Mask: unix.CAN_SFF_MASK},
		{Id: canIDTelemWheelCurrent, Mask: unix.CAN_SFF_MASK},
		{Id: canIDTelemPodSides, Mask: unix.CAN_SFF_MASK},
		{Id: canIDTelemPodBack, Mask: unix.CAN_SFF_MASK},
		{Id: canIDTelemBatteryPower, Mask: unix.CAN_SFF_MASK},
		{Id: canIDTelemBatteryState, Mask: unix.CAN_SFF_MASK},
	})
	if err == nil {
		err = socketRecv.Bind(cfg.Channel)
	}
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "could not set up CAN receive socket"), socketSend.Close(), socketRecv.Close())
	}

	return newDrive(cfg, socketSend, socketRecv, store, clock.New(), logger), nil
}

func newDrive(cfg Config, tx, rx frameSocket, store *telemetry.Store, clk clock.Clock, logger logging.Logger) *Drive {
	if store == nil {
		store = telemetry.NewStore(TelemetryDefaults())
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = DefaultConfig().HeartbeatPeriod
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	d := &Drive{
		cfg:           cfg,
		tx:            tx,
		rx:            rx,
		store:         store,
		clk:           clk,
		logger:        logger,
		nextCommandCh: make(chan command),
		closing:       make(chan struct{}),
		cancel:        cancel,
	}
	d.brakeMode.Store(int32(motion.BrakeCoast))

	d.activeBackgroundWorkers.Add(2)
	viamutils.ManagedGo(func() {
		d.publishThread(cancelCtx)
	}, d.activeBackgroundWorkers.Done)
	viamutils.ManagedGo(func() {
		d.receiveThread(cancelCtx)
	}, d.activeBackgroundWorkers.Done)
	return d
}

// Telemetry returns the store the receiver writes to.
func (d *Drive) Telemetry() *telemetry.Store {
	return d.store
}

// SetWheelSpeeds commands each wheel to its speed times multiplier, in rpm.
func (d *Drive) SetWheelSpeeds(ctx context.Context, ws kinematics.WheelSpeeds, multiplier float64) error {
	rpm := [numWheels]float64{
		wheelFL: ws.LF * multiplier,
		wheelFR: ws.RF * multiplier,
		wheelRL: ws.LR * multiplier,
		wheelRR: ws.RR * multiplier,
	}
	return d.setNextCommand(ctx, command{frames: d.wheelFrames(rpm), wheels: true})
}

// Stalling reports whether any wheel draws stall current without turning.
func (d *Drive) Stalling(ctx context.Context) (bool, error) {
	for w := 0; w < numWheels; w++ {
		current, okC := d.store.Float(TelemWheelCurrent(w))
		speed, okS := d.store.Float(TelemWheelSpeed(w))
		if !okC || !okS {
			continue
		}
		if math.Abs(current) > d.cfg.StallCurrent && math.Abs(speed) < d.cfg.StallSpeed {
			return true, nil
		}
	}
	return false, nil
}

// SetBrakeMode sets what the wheels do at zero speed. It applies from the
// next wheel command.
func (d *Drive) SetBrakeMode(ctx context.Context, mode motion.BrakeMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.brakeMode.Store(int32(mode))
	d.store.Set(TelemBrakeMode, mode.String())
	return nil
}

// Ticks returns the latest tracking-wheel counts.
func (d *Drive) Ticks(ctx context.Context) (odometry.Ticks, error) {
	d.podMu.Lock()
	defer d.podMu.Unlock()
	if !d.havePod {
		return odometry.Ticks{}, errNoPodData
	}
	return d.ticks, nil
}

// ResetTicks zeroes the pod counters.
func (d *Drive) ResetTicks(ctx context.Context) error {
	if err := d.setNextCommand(ctx, command{frames: []canbus.Frame{podResetFrame()}}); err != nil {
		return err
	}
	d.podMu.Lock()
	d.ticks = odometry.Ticks{}
	d.podMu.Unlock()
	return nil
}

// Close disables the wheels and stops both threads.
func (d *Drive) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closing)
		d.cancel()
		err = d.rx.Close()
		d.activeBackgroundWorkers.Wait()

		for w := 0; w < numWheels; w++ {
			cmd := mecanumCommand{state: mecanumStateDisable, mode: mecanumModeSpeed, current: int16(d.cfg.MaxCurrent)}
			if _, sendErr := d.tx.Send(cmd.toFrame(wheelCanIDs[w])); sendErr != nil {
				err = multierr.Combine(err, errors.Wrap(sendErr, "could not disable wheel"))
			}
		}
		err = multierr.Combine(err, d.tx.Close())
	})
	return err
}

func (d *Drive) wheelFrames(rpm [numWheels]float64) []canbus.Frame {
	mode := motion.BrakeMode(d.brakeMode.Load())
	frames := make([]canbus.Frame, 0, numWheels)
	for w := 0; w < numWheels; w++ {
		r := math.Max(-d.cfg.MaxRPM, math.Min(d.cfg.MaxRPM, rpm[w]))
		if (wheelIsLeft[w] && d.cfg.InvertLeft) || (!wheelIsLeft[w] && d.cfg.InvertRight) {
			r = -r
		}
		frames = append(frames, wheelCommand(r, d.cfg.MaxCurrent, mode).toFrame(wheelCanIDs[w]))
	}
	return frames
}

func (d *Drive) setNextCommand(ctx context.Context, cmd command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closing:
		return ErrClosed
	case d.nextCommandCh <- cmd:
	}
	return nil
}

// publishThread resends the current wheel command every heartbeat period.
func (d *Drive) publishThread(ctx context.Context) {
	ticker := d.clk.Ticker(d.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	commsTimeout := d.clk.Now().Add(d.cfg.CommsTimeout)
	timedOut := false
	wheelFrames := d.wheelFrames([numWheels]float64{})

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.nextCommandCh:
			if cmd.wheels {
				wheelFrames = cmd.frames
				commsTimeout = d.clk.Now().Add(d.cfg.CommsTimeout)
				if timedOut {
					timedOut = false
					d.store.Set(TelemCommsTimeout, false)
				}
			} else {
				for _, f := range cmd.frames {
					if _, err := d.tx.Send(f); err != nil {
						d.logger.Errorw("non-wheel command send error", "id", f.ID, "error", err)
					}
				}
			}
		case <-ticker.C:
		}
		if d.cfg.CommsTimeout > 0 && !timedOut && d.clk.Now().After(commsTimeout) {
			d.logger.Warnw("no wheel command received, stopping wheels", "timeout", d.cfg.CommsTimeout)
			wheelFrames = d.wheelFrames([numWheels]float64{})
			timedOut = true
			d.store.Set(TelemCommsTimeout, true)
		}
		for _, f := range wheelFrames {
			if _, err := d.tx.Send(f); err != nil {
				d.logger.Errorw("wheel command send error", "id", f.ID, "error", err)
			}
		}
	}
}

// receiveThread decodes telemetry and pod frames until the socket closes.
func (d *Drive) receiveThread(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := d.rx.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Errorw("CAN Rx error", "error", err)
			if !viamutils.SelectContextOrWait(ctx, d.cfg.HeartbeatPeriod) {
				return
			}
			continue
		}
		d.handleFrame(frame)
	}
}

func (d *Drive) handleFrame(frame canbus.Frame) {
	switch frame.ID {
	case canIDTelemWheelSpeed:
		var sum float64
		for w := 0; w < numWheels; w++ {
			if !wheelSpeedSig[w].fits(frame.Data) {
				d.logger.Debugw("short wheel speed frame", "len", len(frame.Data))
				return
			}
			speed := wheelSpeedSig[w].extract(frame.Data)
			d.store.Set(TelemWheelSpeed(w), speed)
			sum += speed
		}
		d.store.Set(TelemSpeed, sum/numWheels)
	case canIDTelemWheelCurrent:
		for w := 0; w < numWheels; w++ {
			if !wheelCurrentSig[w].fits(frame.Data) {
				d.logger.Debugw("short wheel current frame", "len", len(frame.Data))
				return
			}
			d.store.Set(TelemWheelCurrent(w), wheelCurrentSig[w].extract(frame.Data))
		}
	case canIDTelemPodSides:
		if !podRightSig.fits(frame.Data) {
			d.logger.Debugw("short pod frame", "len", len(frame.Data))
			return
		}
		d.podMu.Lock()
		d.ticks.Left = podLeftSig.extract(frame.Data)
		d.ticks.Right = podRightSig.extract(frame.Data)
		d.havePod = true
		d.podMu.Unlock()
	case canIDTelemPodBack:
		if !podBackSig.fits(frame.Data) {
			d.logger.Debugw("short pod frame", "len", len(frame.Data))
			return
		}
		d.podMu.Lock()
		d.ticks.Back = podBackSig.extract(frame.Data)
		d.podMu.Unlock()
	case canIDTelemBatteryPower:
		if batteryCurrentSig.fits(frame.Data) {
			d.store.Set(TelemBatteryVoltage, batteryVoltageSig.extract(frame.Data))
			d.store.Set(TelemBatteryCurrent, batteryCurrentSig.extract(frame.Data))
		}
	case canIDTelemBatteryState:
		if stateOfChargeSig.fits(frame.Data) {
			d.store.Set(TelemStateOfCharge, stateOfChargeSig.extract(frame.Data))
		}
	}
}
