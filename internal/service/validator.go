package service

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/brokerage/portfolio-engine/internal/repository"
	errorsx "github.com/brokerage/portfolio-engine/pkg/errors"
)

// minFractionalQty is the smallest fractional order the engine accepts.
const minFractionalQty = 1e-6

// validateRequest checks shape only: it never touches the ledger. A non-nil
// result is the typed rejection to surface.
func validateRequest(req *OrderRequest) *errorsx.Error {
	if req == nil {
		return errorsx.New(errorsx.CodeValidation, "missing request")
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return errorsx.New(errorsx.CodeValidation, "missing symbol")
	}

	side := repository.ParseSide(req.Side)
	if side == 0 {
		return errorsx.Newf(errorsx.CodeInvalidSide, "unrecognized side %q", req.Side)
	}
	orderType := repository.ParseType(req.OrderType)
	if orderType == 0 {
		return errorsx.Newf(errorsx.CodeInvalidOrderType, "unrecognized order type %q", req.OrderType)
	}
	if repository.ParseTIF(req.TimeInForce) == 0 {
		return errorsx.Newf(errorsx.CodeInvalidTimeInForce, "unrecognized time in force %q", req.TimeInForce)
	}

	if req.Fractional {
		if req.Quantity < minFractionalQty {
			return errorsx.Newf(errorsx.CodeInvalidQuantity,
				"fractional quantity %v below minimum %v", req.Quantity, minFractionalQty)
		}
	} else {
		if req.Quantity <= 0 || req.Quantity != math.Trunc(req.Quantity) {
			return errorsx.Newf(errorsx.CodeInvalidQuantity,
				"whole-share quantity must be a positive integer, got %v", req.Quantity)
		}
	}

	switch orderType {
	case repository.TypeLimit:
		if req.LimitPrice <= 0 {
			return errorsx.New(errorsx.CodeInvalidPrice, "limit order requires a limit price")
		}
	case repository.TypeStop:
		if req.StopPrice <= 0 {
			return errorsx.New(errorsx.CodeInvalidPrice, "stop order requires a stop price")
		}
	case repository.TypeStopLimit:
		if req.LimitPrice <= 0 || req.StopPrice <= 0 {
			return errorsx.New(errorsx.CodeInvalidPrice, "stop-limit order requires both prices")
		}
	case repository.TypeTrailingStop:
		if req.TrailingPercent <= 0 || req.TrailingPercent >= 100 {
			return errorsx.Newf(errorsx.CodeInvalidPrice,
				"trailing percent must be in (0, 100), got %v", req.TrailingPercent)
		}
	}

	return nil
}

var (
	nyOnce sync.Once
	nyLoc  *time.Location
)

func easternTime() *time.Location {
	nyOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			// No tzdata on the host; a fixed offset is close enough for the
			// extended-hours warning.
			loc = time.FixedZone("ET", -5*3600)
		}
		nyLoc = loc
	})
	return nyLoc
}

// inRegularHours reports whether t falls inside the 09:30-16:00 ET weekday
// session. Market orders outside it are queued with a warning, not rejected.
func inRegularHours(t time.Time) bool {
	et := t.In(easternTime())
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
