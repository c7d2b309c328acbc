package models

import (
	_ "github.com/clipgo/clipgo/model/models/clip"
)
