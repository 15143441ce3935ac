package larder

// Version is the current larder release.
const Version = "0.1.0"
