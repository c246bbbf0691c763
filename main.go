// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Bluewire - Diesel Heater Blue Wire Controller
//
// A CLI tool for controlling Chinese diesel heaters over the blue wire bus
// and for analysing the traffic on it.

package main

import (
	"os"

	"github.com/Thermoquad/bluewire/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
