package backend

import (
	_ "github.com/clipgo/clipgo/ml/backend/cpu"
)
