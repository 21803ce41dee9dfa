// Package planner runs puzzle-solving goals. A goal is an ordered sequence of
// bounded remote calls (gateway steps); the first failure ends the goal, and a
// cancel request stops it before the next step starts. Node gates admission on
// the readiness machine in package lifecycle, and Service hosts a node with
// its HTTP control surface.
package planner
