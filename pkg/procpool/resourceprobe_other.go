//go:build !linux && !darwin

package procpool

// probeResourceUsage is unimplemented on this platform; every dimension
// reports 0, so the corresponding PoolConfig thresholds never fire.
func probeResourceUsage(pid int) (ResourceUsage, error) {
	return ResourceUsage{}, nil
}
