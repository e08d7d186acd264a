// Package hopper implements the structured-record arena.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package hopper_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestHopper(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}
