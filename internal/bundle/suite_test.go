package bundle_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"sfm-refiner/internal/logging"
)

func TestBundle(t *testing.T) {
	zap.ReplaceGlobals(logging.NewWriter(GinkgoWriter, true))
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bundle Suite")
}
