// Package pipeline orchestrates the global reconstruction stages: two-view
// verification, cycle-consistency filtering, rotation and translation
// averaging, track formation, triangulation and bundle adjustment.
//
// This package is the composition root: it imports the stage packages
// (twoview, viewgraph, rotavg, transavg, tracks, bundle), and none of
// those packages import pipeline/.
package pipeline
