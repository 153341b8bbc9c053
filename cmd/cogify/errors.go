// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import "fmt"

// InvalidInputError tells that a raster cannot be read at all, or is
// not in a format that can be validated.
type InvalidInputError struct {
	Path string
	Err  error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input %s: %v", e.Path, e.Err)
}

func (e *InvalidInputError) Unwrap() error { return e.Err }

// GeoreferenceError tells that a raster has no spatial reference.
// Conversions log it and carry on.
type GeoreferenceError struct {
	Path string
}

func (e *GeoreferenceError) Error() string {
	return fmt.Sprintf("%s: spatial reference is not defined", e.Path)
}

// EngineWriteError tells that warping, building overviews or writing
// the output failed.
type EngineWriteError struct {
	Path string
	Op   string
	Err  error
}

func (e *EngineWriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *EngineWriteError) Unwrap() error { return e.Err }

// ConfigurationError tells that a required path or option is missing
// or malformed.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
