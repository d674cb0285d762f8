package ir

// Version is the psb tool version recorded with each sync run.
const Version = "0.3.0"
