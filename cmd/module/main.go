package main

import (
	"valveautomation"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{generic.API, valveautomation.Controller},
		resource.APIModel{sensor.API, valveautomation.CapacitanceSensor},
		resource.APIModel{sensor.API, valveautomation.SessionSensor},
	)
}
