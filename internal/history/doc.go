// Package history keeps the bounded rolling window of recorded counts used
// for trend display.
//
// Buffer is a fixed-capacity ring: Push is O(1) and evicts the oldest sample
// once the buffer is full. Average covers only the retained samples, while
// Peak tracks the largest count pushed since the last Reset, so a spike stays
// visible after it has scrolled out of the window.
package history
