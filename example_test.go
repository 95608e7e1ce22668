// example_test.go: runnable documentation examples
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2_test

import (
	"fmt"
	"os"
	"path/filepath"

	matlogger2 "github.com/ADVRHumanoids/MatLogger2"
)

// Example shows the basic single-threaded logging flow: create a logger,
// append samples, close, read back.
func Example() {
	path := filepath.Join(os.TempDir(), "example_basic.mat")
	defer os.Remove(path)

	logger, err := matlogger2.NewLogger(path)
	if err != nil {
		fmt.Println(err)
		return
	}

	logger.Create("position", 3, 1, 1000)
	logger.AddVector("position", []float64{0.1, 0.2, 0.3})
	logger.AddVector("position", []float64{0.4, 0.5, 0.6})
	logger.Close()

	reader, err := matlogger2.NewLoggerWithOptions(path, matlogger2.Options{
		LoadExisting: true,
		ReadOnly:     true,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer reader.Close()

	names, _ := reader.ListVariableNames()
	m, _, _ := reader.ReadNumeric("position")
	rows, cols := m.Dims()
	fmt.Println(names, rows, cols)
	// Output: [position] 3 2
}

// ExampleMatAppender shows the multi-logger flush coordinator: a
// background goroutine drains registered loggers while producers append.
func ExampleMatAppender() {
	path := filepath.Join(os.TempDir(), "example_appender.mat")
	defer os.Remove(path)

	logger, err := matlogger2.NewLogger(path)
	if err != nil {
		fmt.Println(err)
		return
	}

	appender := matlogger2.NewAppender()
	appender.AddLogger(logger)
	appender.StartFlushThread()

	for i := 0; i < 100; i++ {
		logger.Add("tick", float64(i))
	}

	logger.Close()
	appender.Close()

	fmt.Println("flushed")
	// Output: flushed
}

// ExampleMatData builds a nested structure and saves it atomically.
func ExampleMatData() {
	path := filepath.Join(os.TempDir(), "example_struct.mat")
	defer os.Remove(path)

	logger, err := matlogger2.NewLogger(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer logger.Close()

	gains := matlogger2.StructData()
	gains.SetField("kp", matlogger2.ScalarData(120.0))
	gains.SetField("kd", matlogger2.ScalarData(7.5))
	gains.SetField("label", matlogger2.TextData("leg_left"))

	logger.Save("gains", gains)

	kp, _ := gains.Field("kp")
	v, _ := kp.Num()
	fmt.Println(v)
	// Output: 120
}
