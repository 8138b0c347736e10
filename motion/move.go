package motion

import (
	"context"
	"math"
	"time"

	"xdrive/geometry"
	"xdrive/kinematics"
	"xdrive/pid"
	"xdrive/ratelimit"
)

// moveState is the control state of one move. It is only touched by the move
// goroutine.
type moveState struct {
	c   *Controller
	req Request

	start time.Time

	forward *pid.Loop
	strafe  *pid.Loop
	turn    *pid.Loop

	forwardLimit *ratelimit.Limiter
	strafeLimit  *ratelimit.Limiter
	turnLimit    *ratelimit.Limiter

	stall  int
	steady int

	lastErrD  float64
	lastErrA  float64
	lastErrS  float64
	lastPower float64
}

func (c *Controller) newMoveState(req Request) *moveState {
	v := c.pose.Velocity()
	t := c.tuning
	return &moveState{
		c:            c,
		req:          req,
		start:        c.clk.Now(),
		forward:      pid.New(t.Forward, c.clk),
		strafe:       pid.New(t.Strafe, c.clk),
		turn:         pid.New(t.Turn, c.clk),
		forwardLimit: ratelimit.New(t.ForwardAccel, t.ForwardDecel, v.Y, c.clk),
		strafeLimit:  ratelimit.New(t.StrafeAccel, t.StrafeDecel, v.X, c.clk),
		turnLimit:    ratelimit.New(t.TurnAccel, t.TurnDecel, v.Angle, c.clk),
		lastErrD:     math.NaN(),
		lastErrA:     math.NaN(),
		lastErrS:     math.NaN(),
		lastPower:    v.Y,
	}
}

// run executes req until it settles, aborts or ctx is cancelled.
func (c *Controller) run(ctx context.Context, req Request) Outcome {
	st := c.newMoveState(req)
	ticker := c.clk.Ticker(c.tuning.Tick)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return OutcomeCancelled
		}
		if outcome, done := st.tick(ctx); done {
			if req.Settings.StopAtEnd && ctx.Err() == nil {
				if err := c.drive.SetWheelSpeeds(ctx, kinematics.WheelSpeeds{}, 1); err != nil {
					c.logger.Errorw("could not stop wheels at end of move", "error", err)
				}
			}
			return outcome
		}
		select {
		case <-ctx.Done():
			return OutcomeCancelled
		case <-ticker.C:
		}
	}
}

// moveErrors computes the distance and angle errors for the current pose, and the
// inputs of the forward and strafe loops.
func (st *moveState) moveErrors(pose geometry.Pose) (errD, errA, forwardIn, strafeIn float64) {
	if st.req.Mode == ModeTurning {
		return 0, geometry.WrapAngle(st.req.Heading - pose.Angle), 0, 0
	}

	target := st.req.Target
	sideways := pose.Rotated(math.Pi / 2)

	closest := pose.ClosestPointAsHeading(target)
	closestSide := sideways.ClosestPointAsHeading(target)

	distToClose := pose.Distance(closest)
	distToCloseSide := sideways.Distance(closestSide)
	distToTarget := pose.Distance(target)
	angleToTarget := pose.AngleToAsHeading(target)

	// behind the robot means back up rather than turn around
	if math.Abs(pose.AngleToAsHeading(closest)) >= math.Pi/2 {
		distToClose = -distToClose
	}
	if math.Abs(sideways.AngleToAsHeading(closestSide)) >= math.Pi/2 {
		distToCloseSide = -distToCloseSide
	}

	if distToTarget < st.req.Settings.StrafeDistance {
		errA = 0
		errD = distToClose
	} else {
		errA = angleToTarget
		errD = distToTarget
		if math.Abs(angleToTarget) >= math.Pi/2 {
			errD = -errD
		}
	}
	return errD, geometry.WrapAngle90(errA), distToClose, distToCloseSide
}

// tick runs one control step and reports whether the move is over.
func (st *moveState) tick(ctx context.Context) (Outcome, bool) {
	c := st.c
	t := c.tuning
	s := st.req.Settings

	if c.clk.Since(st.start) > s.Timeout {
		return OutcomeTimedOut, true
	}

	pose := c.pose.Pose()
	errD, errA, forwardIn, strafeIn := st.moveErrors(pose)

	st.turn.Step(-errA)
	st.forward.Step(-forwardIn)
	st.strafe.Step(-strafeIn)

	power := st.forwardLimit.Calculate(st.forward.Output() * s.Speed)
	turn := st.turnLimit.Calculate(st.turn.Output() * s.TurnSpeed * s.Speed)
	strafe := st.strafeLimit.Calculate(st.strafe.Output() * s.Speed)

	stalling, err := c.drive.Stalling(ctx)
	if err != nil {
		c.logger.Debugw("could not read stall state", "error", err)
	}
	if stalling {
		st.stall += t.StallIncrement
	} else {
		st.stall = decrement(st.stall, t.StallDecrement)
	}

	if math.Abs(errD-st.lastErrD) < t.SteadyDistanceEpsilon &&
		math.Abs(strafeIn-st.lastErrS) < t.SteadyDistanceEpsilon &&
		math.Abs(errA-st.lastErrA) < t.SteadyAngleEpsilon &&
		math.Abs(power-st.lastPower) < t.SteadyOutputEpsilon {
		st.steady += t.SteadyIncrement
	} else {
		st.steady = decrement(st.steady, t.SteadyDecrement)
	}

	if c.reporter != nil {
		c.reporter.MoveTick(TickReport{
			Mode:          st.req.Mode,
			Pose:          pose,
			DistanceError: errD,
			AngleError:    errA,
			Forward:       power,
			Strafe:        strafe,
			Turn:          turn,
			Stall:         st.stall,
			Steady:        st.steady,
		})
	}

	if st.stall+st.steady > t.AbortThreshold {
		return OutcomeStuck, true
	}

	ws := c.wheelSpeeds(power, strafe, turn, s.MaxMotorSpeed)
	if err := c.drive.SetWheelSpeeds(ctx, ws, t.MaxWheelRPM/t.MaxSpeed); err != nil && ctx.Err() == nil {
		c.logger.Errorw("could not set wheel speeds", "error", err)
	}

	st.lastErrD = errD
	st.lastErrA = errA
	st.lastErrS = strafeIn
	st.lastPower = power

	if !st.forward.Settled() || !st.strafe.Settled() || !st.turn.Settled() {
		return OutcomeNone, false
	}
	switch st.req.Mode {
	case ModeDrivingToPoint:
		if math.Abs(errD) > s.Tolerance {
			return OutcomeNone, false
		}
	case ModeTurning:
		if math.Abs(errA) > s.AngleTolerance {
			return OutcomeNone, false
		}
	case ModeIdle:
	}
	return OutcomeSettled, true
}

func decrement(counter, by int) int {
	counter -= by
	if counter < 0 {
		return 0
	}
	return counter
}
