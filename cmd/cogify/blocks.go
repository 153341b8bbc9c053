// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import "fmt"

// Block is a rectangular window of a raster.
type Block struct {
	X, Y          int
	Width, Height int
}

func (b Block) String() string {
	return fmt.Sprintf("%dx%d@%d,%d", b.Width, b.Height, b.X, b.Y)
}

// Blocks splits a width×height raster into blocks of at most
// blockWidth×blockHeight pixels, row by row. Blocks in the last row and
// column are clipped to the raster, so every pixel is covered once.
func Blocks(width, height, blockWidth, blockHeight int) []Block {
	if width <= 0 || height <= 0 || blockWidth <= 0 || blockHeight <= 0 {
		return nil
	}
	across := (width + blockWidth - 1) / blockWidth
	down := (height + blockHeight - 1) / blockHeight
	blocks := make([]Block, 0, across*down)
	for y := 0; y < height; y += blockHeight {
		for x := 0; x < width; x += blockWidth {
			blocks = append(blocks, Block{
				X:      x,
				Y:      y,
				Width:  min(blockWidth, width-x),
				Height: min(blockHeight, height-y),
			})
		}
	}
	return blocks
}
