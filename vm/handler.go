package vm

// handler is an installed try-target: where to resume on THROW, and
// the frame-stack depth that must be restored before resuming (I6).
// Handler-stack entries carry no Values and are therefore never GC
// roots.
type handler struct {
	handlerIP        int
	frameDepthAtInstall int
}
