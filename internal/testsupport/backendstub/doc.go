// Package backendstub provides an in-process fake of the public candidate
// endpoints of the interview backend for tests and local rehearsals.
package backendstub
