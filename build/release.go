package build

// Release identifies which build configuration the package was compiled
// with. It mirrors the three-way split used throughout the codebase this
// core was adapted from: "dev" trades safety for fast iteration, "testing"
// shrinks limits so property tests can exhaust them quickly, and "standard"
// is what ships.
var Release = "standard"

// DEBUG makes Critical and Severe panic after reporting. It is true in
// "dev" and "testing" builds and false in the default "standard" build;
// (*Cache).checkInvariants does not consult it.
var DEBUG = Release != "standard"
