package routes

import "errors"

// ErrConflict is returned when a route would collide with one already
// assigned to a different app.
var ErrConflict = errors.New("route conflict")
